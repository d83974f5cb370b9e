package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Nayeam009/vetmedix-sub000/internal/app"
	"github.com/Nayeam009/vetmedix-sub000/internal/booking"
	"github.com/Nayeam009/vetmedix-sub000/internal/config"
	"github.com/Nayeam009/vetmedix-sub000/internal/logging"
)

var (
	petTypes = []string{"dog", "cat", "rabbit", "parrot", "hamster", "ferret", "turtle"}
	reasons  = []string{
		"annual checkup",
		"vaccination",
		"dental cleaning",
		"skin irritation",
		"limping",
		"post-surgery follow up",
		"not eating",
	}
	slotTimes = []string{"09:00", "09:30", "10:00", "10:30", "11:00", "14:00", "14:30", "15:00"}
)

type seedStats struct {
	admitted   int
	waitlisted int
	skipped    int
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("config load error")
	}
	log := logging.New(cfg, "seed")

	clinics := getInt("SEED_CLINICS", 5)
	days := getInt("SEED_DAYS", 7)
	users := getInt("SEED_USERS", 400)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	stack, err := app.Open(ctx, cfg, log, app.Options{Migrate: true})
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer stack.Close()

	userIDs := make([]uuid.UUID, users)
	for i := range userIDs {
		userIDs[i] = uuid.New()
	}

	log.Info().Int("clinics", clinics).Int("days", days).Int("users", users).Msg("seeding slots")

	var stats seedStats
	start := time.Now().AddDate(0, 0, 1)
	for c := 0; c < clinics; c++ {
		clinicID := uuid.New()
		for d := 0; d < days; d++ {
			date := start.AddDate(0, 0, d).Format(booking.DateLayout)
			for _, t := range slotTimes {
				slot := booking.SlotKey{ClinicID: clinicID, Date: date, Time: t}
				// some slots overflow into the waitlist
				demand := gofakeit.Number(0, booking.MaxSeats+3)
				if err := seedSlot(ctx, stack.Service, slot, userIDs, demand, &stats); err != nil {
					log.Fatal().Err(err).Str("slot", slot.String()).Msg("seed slot failed")
				}
			}
		}
	}

	log.Info().
		Int("admitted", stats.admitted).
		Int("waitlisted", stats.waitlisted).
		Int("skipped", stats.skipped).
		Msg("seed complete")
}

func seedSlot(ctx context.Context, svc *booking.Service, slot booking.SlotKey, users []uuid.UUID, demand int, stats *seedStats) error {
	for i := 0; i < demand; i++ {
		caller := booking.Caller{UserID: users[gofakeit.Number(0, len(users)-1)]}

		res, err := svc.Book(ctx, caller, slot, booking.PetDetails{
			PetName: gofakeit.PetName(),
			PetType: gofakeit.RandomString(petTypes),
			Reason:  gofakeit.RandomString(reasons),
		})
		if err != nil {
			return fmt.Errorf("book: %w", err)
		}

		switch res.Outcome {
		case booking.OutcomeAdmit:
			stats.admitted++
		case booking.OutcomeSlotFull:
			_, err := svc.JoinWaitlist(ctx, caller, slot)
			switch {
			case err == nil:
				stats.waitlisted++
			case errors.Is(err, booking.ErrSeatAvailable), errors.Is(err, booking.ErrDuplicateWaitlistEntry):
				stats.skipped++
			default:
				return fmt.Errorf("join waitlist: %w", err)
			}
		default:
			stats.skipped++
		}
	}
	return nil
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
