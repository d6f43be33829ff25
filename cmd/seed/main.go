package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-automation/internal/appointment"
	"github.com/hackgods/appointment-automation/internal/config"
	"github.com/hackgods/appointment-automation/internal/db"
	"github.com/hackgods/appointment-automation/internal/engine"
	"github.com/hackgods/appointment-automation/internal/logger"
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

func main() {
	log := logger.For("seed")
	defer logger.Sync()

	tenant := flag.String("tenant", envOr("SEED_TENANT", config.DefaultTenant), "tenant to seed")
	providers := flag.Int("providers", 20, "number of providers")
	patients := flag.Int("patients", 500, "number of patients")
	appointments := flag.Int("appointments", 1000, "number of appointments")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalw("config load error", logger.Err(err))
	}
	dsn, ok := cfg.TenantDSNs[*tenant]
	if !ok {
		log.Fatalw("unknown tenant", "tenant", *tenant, "tenants", cfg.TenantIDs())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalw("connect postgres", logger.Err(err))
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatalw("migrate", logger.Err(err))
	}

	repo := appointment.NewPgRepository(pool)
	eng := engine.NewPg(pool, engine.SharedFromConfig(cfg, nil), engine.ConfigFor(cfg, *tenant))

	log = log.With("tenant", *tenant)

	providerIDs, err := seedProviders(ctx, repo, *providers, log)
	if err != nil {
		log.Fatalw("seed providers", logger.Err(err))
	}
	patientIDs, err := seedPatients(ctx, repo, *patients, log)
	if err != nil {
		log.Fatalw("seed patients", logger.Err(err))
	}
	if err := seedAppointments(ctx, repo, eng, providerIDs, patientIDs, *appointments, log); err != nil {
		log.Fatalw("seed appointments", logger.Err(err))
	}

	log.Infow("seed complete")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func seedProviders(ctx context.Context, repo *appointment.PgRepository, count int, log *zap.SugaredLogger) ([]uuid.UUID, error) {
	log.Infow("seeding providers", "count", count)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		spec := specialties[gofakeit.Number(0, len(specialties)-1)]
		p, err := repo.CreateProvider(ctx, &appointment.Provider{
			Name:      "Dr. " + gofakeit.Name(),
			Specialty: &spec,
		})
		if err != nil {
			return nil, err
		}
		ids = append(ids, p.ID)
	}

	log.Infow("providers seeded", "count", len(ids))
	return ids, nil
}

func seedPatients(ctx context.Context, repo *appointment.PgRepository, count int, log *zap.SugaredLogger) ([]uuid.UUID, error) {
	log.Infow("seeding patients", "count", count)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		email := gofakeit.Email()
		p := &appointment.Patient{
			Name:             gofakeit.Name(),
			Email:            &email,
			PreferredChannel: appointment.ChannelEmail,
		}
		// roughly a third of patients prefer sms
		if gofakeit.Number(0, 2) == 0 {
			phone := "+1" + gofakeit.Numerify("##########")
			p.Phone = &phone
			p.PreferredChannel = appointment.ChannelSMS
		}
		created, err := repo.CreatePatient(ctx, p)
		if err != nil {
			return nil, err
		}
		ids = append(ids, created.ID)

		if (i+1)%500 == 0 {
			log.Infow("patients seeded", "done", i+1, "total", count)
		}
	}

	log.Infow("patients seeded", "count", len(ids))
	return ids, nil
}

// seedAppointments books appointments over the next two weeks during clinic
// hours and queues their timed actions.
func seedAppointments(ctx context.Context, repo *appointment.PgRepository, eng *engine.Engine, providers, patients []uuid.UUID, count int, log *zap.SugaredLogger) error {
	log.Infow("seeding appointments", "count", count)

	services := make([]uuid.UUID, 5)
	for i := range services {
		services[i] = uuid.New()
	}

	day := time.Now().UTC().Truncate(24 * time.Hour)
	scheduled := 0
	for i := 0; i < count; i++ {
		startsAt := day.
			AddDate(0, 0, gofakeit.Number(1, 14)).
			Add(time.Duration(gofakeit.Number(9, 16)) * time.Hour).
			Add(time.Duration(gofakeit.Number(0, 3)*15) * time.Minute)

		appt, err := repo.CreateAppointment(ctx, &appointment.Appointment{
			PatientID:       patients[gofakeit.Number(0, len(patients)-1)],
			ProviderID:      providers[gofakeit.Number(0, len(providers)-1)],
			ServiceID:       services[gofakeit.Number(0, len(services)-1)],
			Status:          appointment.StatusScheduled,
			AppointmentDate: startsAt.Format("2006-01-02"),
			StartTime:       startsAt.Format("15:04"),
			StartsAt:        startsAt,
		})
		if err != nil {
			return err
		}

		created, err := eng.ScheduleTimedActions(ctx, appt.ID, appointment.SystemActor)
		if err != nil {
			return err
		}
		scheduled += len(created)

		if (i+1)%250 == 0 {
			log.Infow("appointments seeded", "done", i+1, "total", count)
		}
	}

	log.Infow("appointments seeded", "count", count, "timed_actions", scheduled)
	return nil
}
