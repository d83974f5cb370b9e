package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Nayeam009/vetmedix-sub000/internal/api"
	"github.com/Nayeam009/vetmedix-sub000/internal/booking"
	"github.com/Nayeam009/vetmedix-sub000/internal/config"
	"github.com/Nayeam009/vetmedix-sub000/internal/logging"
)

type SimConfig struct {
	APIBaseURL string
	Users      int
	ClinicID   uuid.UUID
	Date       string
	Time       string
	JWTSecret  string
	JWTIssuer  string
}

// OperationMetrics counts outcomes and latencies of one kind of request.
type OperationMetrics struct {
	mu        sync.Mutex
	outcomes  map[string]int
	latencies []time.Duration
}

func (om *OperationMetrics) Record(outcome string, latency time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()
	if om.outcomes == nil {
		om.outcomes = make(map[string]int)
	}
	om.outcomes[outcome]++
	om.latencies = append(om.latencies, latency)
}

func (om *OperationMetrics) Count(outcome string) int {
	om.mu.Lock()
	defer om.mu.Unlock()
	return om.outcomes[outcome]
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.latencies) == 0 {
		return 0, 0, 0, 0
	}

	latencies := append([]time.Duration(nil), om.latencies...)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg = sum / time.Duration(len(latencies))
	p50 = latencies[len(latencies)*50/100]
	p95 = latencies[min(len(latencies)*95/100, len(latencies)-1)]
	max = latencies[len(latencies)-1]
	return avg, p50, p95, max
}

type bookResult struct {
	user        uuid.UUID
	outcome     string
	appointment uuid.UUID
}

type Simulator struct {
	config SimConfig
	client *http.Client
	log    zerolog.Logger

	booking  OperationMetrics
	waitlist OperationMetrics
}

func main() {
	base, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("failed to load base config")
	}
	log := logging.New(base, "simulate")

	cfg := SimConfig{
		APIBaseURL: getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Users:      getInt("SIM_USERS", 50),
		ClinicID:   uuid.New(),
		Date:       getEnv("SIM_DATE", time.Now().AddDate(0, 0, 1).Format(booking.DateLayout)),
		Time:       getEnv("SIM_TIME", "10:00"),
		JWTSecret:  base.JWTSecret,
		JWTIssuer:  base.JWTIssuer,
	}
	if v := os.Getenv("SIM_CLINIC_ID"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			log.Fatal().Err(err).Msg("SIM_CLINIC_ID must be a UUID")
		}
		cfg.ClinicID = id
	}

	sim := &Simulator{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ok, err := sim.Run(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("simulation failed")
	}
	sim.PrintReport()
	if !ok {
		os.Exit(1)
	}
}

// Run fires every user at the same slot at once, queues the rejected ones
// and releases one seat to check that the queue head gets notified.
func (s *Simulator) Run(ctx context.Context) (bool, error) {
	s.log.Info().
		Int("users", s.config.Users).
		Str("clinic_id", s.config.ClinicID.String()).
		Str("date", s.config.Date).
		Str("time", s.config.Time).
		Msg("starting booking burst")

	results := make([]bookResult, s.config.Users)
	gate := make(chan struct{})
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-gate
			results[i] = s.book(ctx, uuid.New())
		}(i)
	}
	close(gate)
	wg.Wait()

	if admitted := s.booking.Count(string(booking.OutcomeAdmit)); admitted > booking.MaxSeats {
		s.log.Error().Int("admitted", admitted).Int("capacity", booking.MaxSeats).Msg("capacity violated")
		return false, nil
	}

	var holders []bookResult
	var queue []uuid.UUID
	for _, r := range results {
		switch r.outcome {
		case string(booking.OutcomeAdmit):
			holders = append(holders, r)
		case string(booking.OutcomeSlotFull):
			if id, ok := s.join(ctx, r.user); ok {
				queue = append(queue, id)
			}
		}
	}

	if len(holders) == 0 || len(queue) == 0 {
		s.log.Info().Msg("no seat holder or waitlist entry, skipping promotion check")
		return true, nil
	}

	holder := holders[0]
	if err := s.post(ctx, holder.user, "/appointments/"+holder.appointment.String()+"/cancel", nil, nil); err != nil {
		return false, fmt.Errorf("cancel: %w", err)
	}

	notified := 0
	for _, id := range queue {
		var entry api.WaitlistEntryResponse
		if err := s.get(ctx, "/waitlist/"+id.String(), &entry); err != nil {
			continue
		}
		if entry.Status == string(booking.WaitlistNotified) {
			notified++
		}
	}
	s.log.Info().Int("queued", len(queue)).Int("notified", notified).Msg("promotion check")
	return notified == 1, nil
}

func (s *Simulator) book(ctx context.Context, user uuid.UUID) bookResult {
	body := api.BookRequest{
		SlotRequest: api.SlotRequest{ClinicID: s.config.ClinicID.String(), Date: s.config.Date, Time: s.config.Time},
		PetName:     "sim",
	}

	start := time.Now()
	var resp api.BookingResponse
	err := s.post(ctx, user, "/appointments", body, &resp)
	latency := time.Since(start)

	res := bookResult{user: user, outcome: resp.Outcome}
	if err != nil {
		res.outcome = "ERROR"
	}
	if resp.Appointment != nil {
		res.appointment = resp.Appointment.ID
	}
	s.booking.Record(res.outcome, latency)
	return res
}

func (s *Simulator) join(ctx context.Context, user uuid.UUID) (uuid.UUID, bool) {
	start := time.Now()
	var entry api.WaitlistEntryResponse
	err := s.post(ctx, user, "/waitlist", api.SlotRequest{
		ClinicID: s.config.ClinicID.String(), Date: s.config.Date, Time: s.config.Time,
	}, &entry)
	outcome := "JOINED"
	if err != nil {
		outcome = "ERROR"
	}
	s.waitlist.Record(outcome, time.Since(start))
	return entry.ID, err == nil
}

func (s *Simulator) authorize(req *http.Request, user uuid.UUID) error {
	if s.config.JWTSecret == "" {
		req.Header.Set("X-User-ID", user.String())
		return nil
	}
	token, err := api.IssueToken(s.config.JWTSecret, s.config.JWTIssuer, user, nil, time.Minute)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// post decodes the body of 2xx and 409 answers into out.
func (s *Simulator) post(ctx context.Context, user uuid.UUID, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := s.authorize(req, user); err != nil {
		return err
	}
	return s.do(req, out, http.StatusConflict)
}

func (s *Simulator) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.APIBaseURL+path, nil)
	if err != nil {
		return err
	}
	// operators may read any entry
	if s.config.JWTSecret == "" {
		req.Header.Set("X-User-ID", uuid.NewString())
		req.Header.Set("X-User-Role", booking.RoleOperator)
	} else {
		token, err := api.IssueToken(s.config.JWTSecret, s.config.JWTIssuer, uuid.New(), []string{booking.RoleOperator}, time.Minute)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return s.do(req, out)
}

func (s *Simulator) do(req *http.Request, out any, accept ...int) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	okStatus := resp.StatusCode >= 200 && resp.StatusCode < 300
	for _, code := range accept {
		if resp.StatusCode == code {
			okStatus = true
		}
	}
	if !okStatus {
		var e api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: %d %s", req.Method, req.URL.Path, resp.StatusCode, e.Error)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Users: %d  Capacity: %d\n\n", s.config.Users, booking.MaxSeats)

	printOperationReport("Booking", &s.booking)
	printOperationReport("Waitlist join", &s.waitlist)
}

func printOperationReport(name string, om *OperationMetrics) {
	om.mu.Lock()
	keys := make([]string, 0, len(om.outcomes))
	for k := range om.outcomes {
		keys = append(keys, k)
	}
	counts := make(map[string]int, len(om.outcomes))
	for k, v := range om.outcomes {
		counts[k] = v
	}
	om.mu.Unlock()

	if len(keys) == 0 {
		return
	}
	sort.Strings(keys)

	fmt.Printf("%s:\n", name)
	for _, k := range keys {
		fmt.Printf("  %-28s %d\n", k, counts[k])
	}
	avg, p50, p95, max := om.Stats()
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), max.Round(time.Millisecond))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
