package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/patrickwarner/convertrelay/internal/api"
	"github.com/patrickwarner/convertrelay/internal/config"
	"github.com/patrickwarner/convertrelay/internal/db"
	"github.com/patrickwarner/convertrelay/internal/models"
	"github.com/patrickwarner/convertrelay/internal/observability"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	server       string
	visitors     int
	projectCSV   string
	sessions     int
	conc         int
	duration     time.Duration
	rate         float64
	checkoutRate float64
	purchaseRate float64
	subRate      float64
	stats        bool
	flush        bool
	redisAddr    string
	debug        bool
	label        string
	jitter       float64
)

var logger *zap.Logger

var httpClient *http.Client

var (
	projectIDs = []string{"10001", "10002"}
	currencies = []struct {
		code string
		rate float64
	}{{"USD", 1}, {"EUR", 0.92}, {"GBP", 0.79}, {"CAD", 1.36}}
	countries = []string{"US", "GB", "DE", "CA", "FR"}
)

const statsInterval = 5 * time.Second

var (
	countSessions uint64
	countEvents   uint64
	countErrors   uint64
	countLimited  uint64

	statusMu     sync.Mutex
	statusCounts = map[string]uint64{}
)

func main() {
	flag.StringVar(&server, "server", "http://localhost:8787", "relay base URL")
	flag.IntVar(&visitors, "visitors", 100, "number of unique storefront visitors")
	flag.StringVar(&projectCSV, "projects", "10001,10002", "comma-separated project IDs")
	flag.IntVar(&sessions, "sessions", 500, "total shopping sessions to simulate")
	flag.IntVar(&conc, "concurrency", 20, "concurrent sessions")
	flag.DurationVar(&duration, "duration", 0, "how long to run traffic (0 to disable)")
	flag.Float64Var(&rate, "rate", 0, "sessions per second (0 for unlimited)")
	flag.Float64Var(&checkoutRate, "checkout-rate", 0.5, "probability a cart add proceeds to checkout")
	flag.Float64Var(&purchaseRate, "purchase-rate", 0.6, "probability a started checkout completes")
	flag.Float64Var(&subRate, "subscription-rate", 0.2, "probability a line item is a subscription")
	flag.BoolVar(&stats, "stats", false, "print aggregated stats periodically")
	flag.BoolVar(&flush, "flush", false, "flush relay visitor state from redis before sending traffic")
	flag.StringVar(&redisAddr, "redis", "", "redis address (defaults to REDIS_ADDR)")
	flag.BoolVar(&debug, "debug", false, "enable verbose debug logs")
	flag.StringVar(&label, "label", "", "label to identify this run")
	flag.Float64Var(&jitter, "jitter", 0.0, "random jitter factor for session spacing")
	flag.Parse()

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	var err error
	logger, err = observability.InitLoggerWithLevel(level, "traffic-simulator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	httpClient = &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ResponseHeaderTimeout: 10 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   conc,
			IdleConnTimeout:       90 * time.Second,
		},
	}

	if label == "" {
		label = time.Now().Format(time.RFC3339)
	}

	if flush {
		flushVisitorState()
	}

	projectIDs = strings.Split(projectCSV, ",")
	for i := range projectIDs {
		projectIDs[i] = strings.TrimSpace(projectIDs[i])
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	var rmu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, conc)
	done := make(chan struct{})

	var baseInterval time.Duration
	if rate > 0 {
		baseInterval = time.Duration(float64(time.Second) / rate)
	} else if duration > 0 && sessions > 0 {
		baseInterval = duration / time.Duration(sessions)
	}

	start := time.Now()
	next := start

	if stats {
		go func() {
			ticker := time.NewTicker(statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					printStats()
				case <-done:
					printStats()
					return
				}
			}
		}()
	}

	for i := 0; ; i++ {
		if sessions > 0 && i >= sessions {
			break
		}
		if duration > 0 && time.Since(start) >= duration {
			break
		}
		if baseInterval > 0 {
			effective := baseInterval
			if jitter > 0 {
				rmu.Lock()
				jf := 1 + (r.Float64()*2-1)*jitter
				rmu.Unlock()
				if jf < 0.1 {
					jf = 0.1
				}
				effective = time.Duration(float64(effective) * jf)
			}
			if now := time.Now(); now.Before(next) {
				time.Sleep(next.Sub(now))
			}
			next = next.Add(effective)
		}

		rmu.Lock()
		s := newSession(r)
		rmu.Unlock()

		wg.Add(1)
		sem <- struct{}{}
		go func(s session) {
			defer wg.Done()
			defer func() { <-sem }()
			atomic.AddUint64(&countSessions, 1)
			s.run()
		}(s)
	}
	wg.Wait()
	close(done)
	if !stats {
		printStats()
	}
}

// session is one visitor's path through the funnel, decided up front.
type session struct {
	clientID  string
	record    map[string]any
	amount    float64
	currency  string
	fxRate    float64
	lineItems []map[string]any
	checkout  bool
	purchase  bool
}

func newSession(r *rand.Rand) session {
	visitor := r.Intn(visitors)
	pid := projectIDs[r.Intn(len(projectIDs))]
	cur := currencies[r.Intn(len(currencies))]

	items := make([]map[string]any, 1+r.Intn(3))
	for i := range items {
		item := map[string]any{"id": uuid.NewString(), "quantity": 1 + r.Intn(2), "sellingPlanAllocation": nil}
		if r.Float64() < subRate {
			item["sellingPlanAllocation"] = map[string]any{"sellingPlan": map[string]any{"id": "monthly"}}
		}
		items[i] = item
	}

	return session{
		clientID: fmt.Sprintf("visitor-%d", visitor),
		record: map[string]any{
			"cid":             "1000",
			"pid":             pid,
			"vid":             fmt.Sprintf("v%d", visitor),
			"defaultSegments": map[string]any{"country": countries[visitor%len(countries)], "visitorType": "new"},
			"exps":            []string{"exp-1"},
			"vars":            []string{fmt.Sprintf("var-%d", visitor%2)},
			"min_order_value": 0,
			"max_order_value": 5000,
		},
		amount:    float64(500+r.Intn(30000)) / 100,
		currency:  cur.code,
		fxRate:    cur.rate,
		lineItems: items,
		checkout:  r.Float64() < checkoutRate,
		purchase:  r.Float64() < purchaseRate,
	}
}

func (s session) run() {
	body, err := json.Marshal(map[string]any{"clientId": s.clientID, "attributes": s.record})
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("marshal attributes", zap.Error(err))
		return
	}
	if status, _, err := post("/attributes", body); err != nil || status != http.StatusNoContent {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("store attributes", zap.Int("status", status), zap.Error(err))
		return
	}

	if !s.send(models.EventProductAddedToCart, map[string]any{
		"cartLine": map[string]any{"quantity": 1, "merchandise": s.lineItems[0]},
	}) || !s.checkout {
		return
	}

	checkout := map[string]any{
		"currencyCode": s.currency,
		"totalPrice":   map[string]any{"amount": fmt.Sprintf("%.2f", s.amount), "currencyCode": s.currency},
		"lineItems":    s.lineItems,
	}
	if s.fxRate != 1 {
		checkout["presentmentCurrencyRate"] = fmt.Sprintf("%.4f", s.fxRate)
	}
	if !s.send(models.EventCheckoutStarted, map[string]any{"checkout": checkout}) || !s.purchase {
		return
	}

	checkout["order"] = map[string]any{"id": uuid.NewString()}
	s.send(models.EventCheckoutCompleted, map[string]any{"checkout": checkout})
}

// send posts one event and tallies the outcome statuses. It reports whether
// the relay accepted the event.
func (s session) send(name string, data map[string]any) bool {
	ev := map[string]any{
		"id":        uuid.NewString(),
		"name":      name,
		"clientId":  s.clientID,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"data":      data,
	}
	blob, err := json.Marshal(ev)
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("marshal event", zap.Error(err))
		return false
	}
	atomic.AddUint64(&countEvents, 1)

	status, respBody, err := post("/events", blob)
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("event request error", zap.String("event", name), zap.Error(err))
		return false
	}
	switch status {
	case http.StatusAccepted:
	case http.StatusTooManyRequests:
		atomic.AddUint64(&countLimited, 1)
		return false
	default:
		atomic.AddUint64(&countErrors, 1)
		logger.Error("unexpected status", zap.Int("status", status), zap.String("body", strings.TrimSpace(string(respBody))))
		return false
	}

	var resp api.EventResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("decode response", zap.Error(err))
		return false
	}
	statusMu.Lock()
	for _, o := range resp.Outcomes {
		statusCounts[o.Status]++
	}
	statusMu.Unlock()
	logger.Debug("event", zap.String("name", name), zap.String("client_id", s.clientID), zap.Any("outcomes", resp.Outcomes))
	return true
}

func post(path string, body []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	return resp.StatusCode, b, err
}

func flushVisitorState() {
	cfg := config.Load()
	addr := redisAddr
	if addr == "" {
		addr = cfg.RedisAddr
	}
	store, err := db.InitRedis(addr)
	if err != nil {
		logger.Fatal("redis connect", zap.Error(err))
	}
	defer store.Close()

	// visitor keys only; project goals live in Postgres
	keys, err := store.Client.Keys(store.Ctx, db.ClientKey("*", "*")).Result()
	if err != nil {
		logger.Error("failed to list visitor keys", zap.Error(err))
		return
	}
	if len(keys) > 0 {
		if err := store.Client.Del(store.Ctx, keys...).Err(); err != nil {
			logger.Error("failed to delete visitor keys", zap.Error(err))
			return
		}
	}
	logger.Info("redis visitor state flushed", zap.String("addr", addr), zap.Int("keys_deleted", len(keys)))
}

func printStats() {
	statusMu.Lock()
	byStatus := make(map[string]uint64, len(statusCounts))
	for k, v := range statusCounts {
		byStatus[k] = v
	}
	statusMu.Unlock()
	logger.Info("stats",
		zap.String("run", label),
		zap.Uint64("sessions", atomic.LoadUint64(&countSessions)),
		zap.Uint64("events", atomic.LoadUint64(&countEvents)),
		zap.Uint64("rate_limited", atomic.LoadUint64(&countLimited)),
		zap.Uint64("errors", atomic.LoadUint64(&countErrors)),
		zap.Any("outcomes", byStatus))
}
