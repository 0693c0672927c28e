package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/pocketmoney-api/internal/config"
	"github.com/ksred/pocketmoney-api/internal/server"
	"github.com/ksred/pocketmoney-api/pkg/response"
)

var symbols = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "DIS"}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// routeStats tracks latency for one endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) add(d time.Duration, failed bool) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate returns min, max, mean, median, p95 and p99 of the recorded durations
func (rs *routeStats) calculate() (lo, hi, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	lo = rs.durations[0]
	hi = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// collector aggregates results from every simulated kid
type collector struct {
	mu       sync.Mutex
	routes   map[string]*routeStats
	outcomes map[string]int
	symbols  map[string]int
}

func newCollector() *collector {
	return &collector{
		routes: map[string]*routeStats{
			"auth":    {name: "Authentication"},
			"account": {name: "Open Account"},
			"buy":     {name: "Buy"},
			"sell":    {name: "Sell"},
			"summary": {name: "Portfolio"},
		},
		outcomes: make(map[string]int),
		symbols:  make(map[string]int),
	}
}

func (c *collector) record(route string, d time.Duration, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[route].add(d, outcome != "ok" && outcome != "replayed")
	c.outcomes[outcome]++
}

func (c *collector) traded(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.symbols[symbol]++
}

// kid drives the API as one user
type kid struct {
	id      string
	baseURL string
	token   string
	http    *http.Client
	stats   *collector
	rng     *rand.Rand
}

func (k *kid) call(route, method, path string, body any) (response.Response, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return response.Response{}, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, k.baseURL+path, reader)
	if err != nil {
		return response.Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if k.token != "" {
		req.Header.Set("Authorization", "Bearer "+k.token)
	}

	start := time.Now()
	resp, err := k.http.Do(req)
	if err != nil {
		k.stats.record(route, time.Since(start), "transport_error")
		return response.Response{}, err
	}
	defer resp.Body.Close()

	var out response.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		k.stats.record(route, time.Since(start), "decode_error")
		return response.Response{}, fmt.Errorf("failed to decode response: %w", err)
	}

	outcome := "ok"
	switch {
	case out.Error != nil:
		outcome = out.Error.Code
	case isReplay(out.Data):
		outcome = "replayed"
	}
	k.stats.record(route, time.Since(start), outcome)
	return out, nil
}

func isReplay(data any) bool {
	m, ok := data.(map[string]interface{})
	return ok && m["replayed"] == true
}

func (k *kid) login(password string) error {
	resp, err := k.call("auth", http.MethodPost, "/api/v1/auth/token", map[string]string{
		"username": k.id,
		"password": password,
	})
	if err != nil {
		return err
	}
	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		return fmt.Errorf("login failed for %s", k.id)
	}
	k.token, _ = data["jwt_token"].(string)
	return nil
}

func (k *kid) order(side, symbol string, quantity int64) {
	route := strings.ToLower(side)
	_, err := k.call(route, http.MethodPost, "/api/v1/orders/"+route, map[string]any{
		"symbol":   symbol,
		"quantity": quantity,
	})
	if err != nil {
		log.Error().Err(err).Str("user_id", k.id).Str("symbol", symbol).Msg("order request failed")
		return
	}
	k.stats.traded(symbol)
}

// trade places a random mix of buys and sells. Some orders are sent twice at
// once to exercise duplicate suppression.
func (k *kid) trade(orders int, pause time.Duration) {
	for i := 0; i < orders; i++ {
		symbol := symbols[k.rng.Intn(len(symbols))]
		side := "BUY"
		if k.rng.Intn(3) == 0 {
			side = "SELL"
		}
		quantity := int64(k.rng.Intn(5) + 1)

		if k.rng.Intn(5) == 0 {
			var wg sync.WaitGroup
			for j := 0; j < 2; j++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					k.order(side, symbol, quantity)
				}()
			}
			wg.Wait()
		} else {
			k.order(side, symbol, quantity)
		}

		time.Sleep(time.Duration(k.rng.Int63n(int64(pause) + 1)))
	}
}

func (c *collector) print(elapsed time.Duration) {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("ORDER SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("\nOutcomes")
	fmt.Println(strings.Repeat("-", 40))
	outcomes := make([]string, 0, len(c.outcomes))
	for o := range c.outcomes {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		fmt.Printf("%-36s %d\n", o, c.outcomes[o])
	}

	fmt.Println("\nSymbol Distribution")
	fmt.Println(strings.Repeat("-", 40))
	maxCount := 0
	for _, n := range c.symbols {
		maxCount = max(maxCount, n)
	}
	for _, symbol := range symbols {
		n := c.symbols[symbol]
		bar := ""
		if maxCount > 0 {
			bar = strings.Repeat("#", n*20/maxCount)
		}
		fmt.Printf("%-6s: %-20s (%d)\n", symbol, bar, n)
	}

	fmt.Println("\nAPI Performance")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-16s %8s %8s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))
	for _, key := range []string{"auth", "account", "buy", "sell", "summary"} {
		rs := c.routes[key]
		lo, hi, mean, median, p95, p99 := rs.calculate()
		fmt.Printf("%-16s %8d %8d %10s %10s %10s %10s %10s %10s\n",
			rs.name, rs.totalCalls, rs.failures,
			lo.Round(time.Microsecond), hi.Round(time.Microsecond),
			mean.Round(time.Microsecond), median.Round(time.Microsecond),
			p95.Round(time.Microsecond), p99.Round(time.Microsecond))
	}
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("Duration: %v\n", elapsed.Round(time.Millisecond))
}

// main starts the API in-process and lets a number of simulated kids trade
// against it concurrently
func main() {
	kids := flag.Int("kids", 5, "number of concurrent users")
	orders := flag.Int("orders", 30, "orders per user")
	pause := flag.Duration("pause", 50*time.Millisecond, "maximum pause between orders")
	mode := flag.String("ledger-mode", "sequential", "ledger mode: sequential or atomic")
	flag.Parse()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	cfg.Database.Path = ":memory:"
	cfg.Ledger.Mode = *mode
	cfg.Auth.Users = make(map[string]string, *kids)
	for i := 0; i < *kids; i++ {
		cfg.Auth.Users[fmt.Sprintf("sim-kid-%d", i)] = "sim-password"
	}

	gin.SetMode(gin.ReleaseMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := server.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
	app.Run(ctx)
	srv := httptest.NewServer(app.Router)
	defer srv.Close()

	stats := newCollector()
	start := time.Now()
	log.Info().Int("kids", *kids).Int("orders_per_kid", *orders).Str("ledger_mode", *mode).Msg("Starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < *kids; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			k := &kid{
				id:      fmt.Sprintf("sim-kid-%d", n),
				baseURL: srv.URL,
				http:    &http.Client{Timeout: 10 * time.Second},
				stats:   stats,
				rng:     rand.New(rand.NewSource(time.Now().UnixNano() + int64(n))),
			}
			if err := k.login("sim-password"); err != nil {
				log.Error().Err(err).Str("user_id", k.id).Msg("Failed to log in")
				return
			}
			if _, err := k.call("account", http.MethodPost, "/api/v1/account", nil); err != nil {
				log.Error().Err(err).Str("user_id", k.id).Msg("Failed to open account")
				return
			}
			k.trade(*orders, *pause)
			if _, err := k.call("summary", http.MethodGet, "/api/v1/portfolio", nil); err != nil {
				log.Error().Err(err).Str("user_id", k.id).Msg("Failed to fetch portfolio")
			}
		}(i)
	}
	wg.Wait()

	app.Trading.Wait()
	stats.print(time.Since(start))

	report, err := app.Reconciler.RunOnce(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Reconciliation pass failed")
	}
	log.Info().
		Int("reconciled", report.Reconciled).
		Int64("unresolved", report.Unresolved).
		Msg("Simulation completed")

	if err := app.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to release resources")
	}
}
