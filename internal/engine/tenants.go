package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/appointment-automation/internal/action"
	"github.com/hackgods/appointment-automation/internal/appointment"
	"github.com/hackgods/appointment-automation/internal/config"
	"github.com/hackgods/appointment-automation/internal/consent"
	"github.com/hackgods/appointment-automation/internal/db"
	"github.com/hackgods/appointment-automation/internal/documents"
	"github.com/hackgods/appointment-automation/internal/handlers"
	"github.com/hackgods/appointment-automation/internal/job"
	"github.com/hackgods/appointment-automation/internal/logger"
	"github.com/hackgods/appointment-automation/internal/messaging"
	redisclient "github.com/hackgods/appointment-automation/internal/redis"
)

var ErrUnknownTenant = errors.New("unknown tenant")

// Shared holds what every tenant engine of a process uses.
type Shared struct {
	Messenger         handlers.Messenger
	Pricer            documents.Pricer
	DocumentsDir      string
	ConsentBaseURL    string
	AppointmentLocker redisclient.Locker
	PollLocker        redisclient.Locker
}

// SharedFromConfig wires messaging channels, pricing and lockers. rdb may be
// nil, in which case locks are process-local.
func SharedFromConfig(cfg config.Config, rdb *redis.Client) Shared {
	log := logger.For(logger.ComponentMessaging)

	router := messaging.NewRouter()
	if cfg.SMTPHost != "" {
		router.Register(messaging.ChannelEmail, messaging.NewEmailSender(messaging.EmailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}))
	} else {
		log.Warnw("SMTP_HOST not set, email channel disabled")
	}
	if cfg.TwilioAccountSID != "" {
		router.Register(messaging.ChannelSMS, messaging.NewSMSSender(messaging.SMSConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			From:       cfg.TwilioFrom,
		}))
	}

	shared := Shared{
		Messenger:      router,
		Pricer:         documents.StaticPricer{Amount: cfg.DefaultServicePrice, Currency: cfg.Currency},
		DocumentsDir:   cfg.DocumentsDir,
		ConsentBaseURL: cfg.ConsentBaseURL,
	}
	if rdb != nil {
		shared.AppointmentLocker = redisclient.NewRedisLocker(rdb, cfg.LockTTL)
		shared.PollLocker = redisclient.NewRedisLocker(rdb, cfg.PollLockTTL)
	} else {
		local := redisclient.NewLocalLocker()
		shared.AppointmentLocker = local
		shared.PollLocker = local
	}
	return shared
}

// ConfigFor derives the engine settings of one tenant.
func ConfigFor(cfg config.Config, tenantID string) Config {
	return Config{
		TenantID: tenantID,
		Triggers: appointment.TriggerConfig{
			ConfirmationLeadTime: cfg.ConfirmationLeadTime,
			ReminderLeadTime:     cfg.ReminderLeadTime,
		},
		ActionMaxRetries: cfg.ActionMaxRetries,
		HandlerTimeout:   cfg.HandlerTimeout,
		JobRetryDelay:    cfg.JobRetryDelay,
		JobStaleAfter:    cfg.JobStaleAfter,
	}
}

// NewPg builds an engine over one tenant database.
func NewPg(pool *pgxpool.Pool, shared Shared, cfg Config) *Engine {
	stores := Stores{
		Appointments: appointment.NewPgRepository(pool),
		Actions:      action.NewPgRepository(pool),
		Jobs:         job.NewPgRepository(pool),
	}
	deps := Deps{
		Messenger:         shared.Messenger,
		Consent:           consent.NewService(consent.NewPgRepository(pool), shared.ConsentBaseURL, cfg.Now),
		Documents:         documents.NewPDFDrafter(filepath.Join(shared.DocumentsDir, cfg.TenantID), shared.Pricer, cfg.Now),
		AppointmentLocker: shared.AppointmentLocker,
		PollLocker:        shared.PollLocker,
	}
	e := New(stores, deps, cfg)
	e.ping = pool.Ping
	return e
}

// Tenants routes tenant ids to their engines. The engine never crosses
// tenants within one operation.
type Tenants struct {
	mu      sync.RWMutex
	engines map[string]*Engine
	pools   []*pgxpool.Pool
}

func NewTenants() *Tenants {
	return &Tenants{engines: make(map[string]*Engine)}
}

func (t *Tenants) Add(e *Engine) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.engines[e.TenantID()] = e
}

func (t *Tenants) Get(tenantID string) (*Engine, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.engines[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTenant, tenantID)
	}
	return e, nil
}

// IDs returns the tenant ids in a stable order.
func (t *Tenants) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.engines))
	for id := range t.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close releases the pools opened by Open.
func (t *Tenants) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.pools {
		p.Close()
	}
	t.pools = nil
}

// Open connects to every configured tenant database, applies the schema and
// builds one engine per tenant. workerID names the claims of this process.
func Open(ctx context.Context, cfg config.Config, shared Shared, workerID string) (*Tenants, error) {
	log := logger.For(logger.ComponentWorker)
	tenants := NewTenants()

	for _, id := range cfg.TenantIDs() {
		pool, err := db.ConnectPostgres(ctx, cfg.TenantDSNs[id])
		if err != nil {
			tenants.Close()
			return nil, fmt.Errorf("tenant %s: %w", id, err)
		}
		tenants.pools = append(tenants.pools, pool)

		if err := db.Migrate(ctx, pool); err != nil {
			tenants.Close()
			return nil, fmt.Errorf("tenant %s: %w", id, err)
		}

		ecfg := ConfigFor(cfg, id)
		ecfg.WorkerID = workerID
		tenants.Add(NewPg(pool, shared, ecfg))
		log.Infow("tenant ready", "tenant", id)
	}

	return tenants, nil
}
