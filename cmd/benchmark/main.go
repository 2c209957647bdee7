// Benchmark tool for load-testing Tariff quotes with recorded wholesale carts.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/carts.csv -url http://localhost:8080
//
// The CSV has one cart line per row:
//
//	cart_id,buyer_id,role,agent_id,gaddi_id,distributor_id,product_id,unit_price,pieces_per_lot,lots
//
// Rows sharing a cart_id form one cart. This tool:
//  1. Groups the rows into carts
//  2. Sends each cart to POST /quote, optionally twice
//  3. Reports latency percentiles, errors by status and the total quoted value
//  4. With -repeat, flags carts whose two quotes disagree
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// CartLine is one line of a quote request.
type CartLine struct {
	ProductID    string          `json:"productId"`
	UnitPrice    decimal.Decimal `json:"unitPrice"`
	PiecesPerLot int             `json:"piecesPerLot"`
	Lots         int             `json:"lots"`
}

// Pipeline holds the buyer's intermediaries.
type Pipeline struct {
	AgentID       string `json:"agentId,omitempty"`
	GaddiID       string `json:"gaddiId,omitempty"`
	DistributorID string `json:"distributorId,omitempty"`
}

// Buyer is the purchasing party.
type Buyer struct {
	ID       string   `json:"id"`
	Role     string   `json:"role"`
	Pipeline Pipeline `json:"pipeline"`
}

// QuoteRequest is the Tariff POST /quote body.
type QuoteRequest struct {
	Buyer Buyer      `json:"buyer"`
	Lines []CartLine `json:"lines"`
}

// QuoteResponse is the part of the snapshot the benchmark checks.
type QuoteResponse struct {
	BaseTotal  decimal.Decimal `json:"baseTotal"`
	FinalTotal decimal.Decimal `json:"finalTotal"`
}

// Cart is a grouped quote request.
type Cart struct {
	ID      string
	Request QuoteRequest
}

// Metrics tracks benchmark results.
type Metrics struct {
	mu         sync.Mutex
	latencies  []time.Duration
	errors     map[string]int
	quoted     decimal.Decimal
	mismatches []string
}

func newMetrics() *Metrics {
	return &Metrics{errors: make(map[string]int), quoted: decimal.Zero}
}

func (m *Metrics) record(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, latency)
}

func (m *Metrics) fail(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[reason]++
}

func (m *Metrics) add(total decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quoted = m.quoted.Add(total)
}

func (m *Metrics) mismatch(cartID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mismatches = append(m.mismatches, cartID)
}

func main() {
	csvPath := flag.String("csv", "", "Path to carts CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Tariff base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum carts to quote (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	repeat := flag.Bool("repeat", false, "Quote every cart twice and compare totals")
	verbose := flag.Bool("verbose", false, "Print each quote")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/carts.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("+---------------------------------------------------------------+")
	fmt.Println("|              TARIFF BENCHMARK - Wholesale Quotes              |")
	fmt.Println("+---------------------------------------------------------------+")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Tariff URL:  %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Repeat:      %v\n", *repeat)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Tariff not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Tariff is running:")
		fmt.Println("  go run ./cmd/tariff")
		os.Exit(1)
	}
	fmt.Println("Tariff is healthy")

	f, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: Failed to open CSV: %v\n", err)
		os.Exit(1)
	}
	carts, skipped, err := readCarts(f, *limit)
	f.Close()
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Loaded %d carts (%d malformed rows skipped)\n", len(carts), skipped)

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(carts, *baseURL, *tenantID, *workers, *repeat, *verbose)
	duration := time.Since(startTime)

	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readCarts groups CSV rows into carts, keeping first-seen order. Rows that
// cannot be parsed are counted and skipped.
func readCarts(r io.Reader, limit int) ([]Cart, int, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, required := range []string{"cart_id", "buyer_id", "role", "product_id", "unit_price", "pieces_per_lot", "lots"} {
		if _, ok := colIndex[required]; !ok {
			return nil, 0, fmt.Errorf("missing column %q", required)
		}
	}

	field := func(record []string, name string) string {
		i, ok := colIndex[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var carts []Cart
	index := make(map[string]int)
	skipped := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			skipped++
			continue
		}

		price, err := decimal.NewFromString(field(record, "unit_price"))
		if err != nil {
			skipped++
			continue
		}
		pieces, err1 := strconv.Atoi(field(record, "pieces_per_lot"))
		lots, err2 := strconv.Atoi(field(record, "lots"))
		if err1 != nil || err2 != nil {
			skipped++
			continue
		}

		cartID := field(record, "cart_id")
		i, ok := index[cartID]
		if !ok {
			if limit > 0 && len(carts) >= limit {
				continue
			}
			carts = append(carts, Cart{
				ID: cartID,
				Request: QuoteRequest{Buyer: Buyer{
					ID:   field(record, "buyer_id"),
					Role: strings.ToUpper(field(record, "role")),
					Pipeline: Pipeline{
						AgentID:       field(record, "agent_id"),
						GaddiID:       field(record, "gaddi_id"),
						DistributorID: field(record, "distributor_id"),
					},
				}},
			})
			i = len(carts) - 1
			index[cartID] = i
		}

		carts[i].Request.Lines = append(carts[i].Request.Lines, CartLine{
			ProductID:    field(record, "product_id"),
			UnitPrice:    price,
			PiecesPerLot: pieces,
			Lots:         lots,
		})
	}

	return carts, skipped, nil
}

func runBenchmark(carts []Cart, baseURL, tenantID string, numWorkers int, repeat, verbose bool) *Metrics {
	metrics := newMetrics()

	work := make(chan Cart, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for cart := range work {
				first, ok := timedQuote(client, metrics, baseURL, tenantID, cart, verbose)
				if !ok {
					continue
				}
				metrics.add(first.FinalTotal)

				if repeat {
					second, ok := timedQuote(client, metrics, baseURL, tenantID, cart, verbose)
					if ok && !second.FinalTotal.Equal(first.FinalTotal) {
						metrics.mismatch(cart.ID)
					}
				}
			}
		}()
	}

	for _, cart := range carts {
		work <- cart
	}
	close(work)

	wg.Wait()

	return metrics
}

func timedQuote(client *http.Client, metrics *Metrics, baseURL, tenantID string, cart Cart, verbose bool) (*QuoteResponse, bool) {
	start := time.Now()
	result, err := quote(client, baseURL, tenantID, cart.Request)
	metrics.record(time.Since(start))

	if err != nil {
		metrics.fail(err.Error())
		if verbose {
			fmt.Printf("ERROR: %s -> %v\n", cart.ID, err)
		}
		return nil, false
	}

	if verbose {
		fmt.Printf("%-12s | Buyer: %-12s | Lines: %3d | Base: %12s | Final: %12s\n",
			cart.ID,
			cart.Request.Buyer.ID,
			len(cart.Request.Lines),
			result.BaseTotal.StringFixed(2),
			result.FinalTotal.StringFixed(2),
		)
	}
	return result, true
}

func quote(client *http.Client, baseURL, tenantID string, req QuoteRequest) (*QuoteResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/quote", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transport error")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result QuoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("unreadable response")
	}

	return &result, nil
}

// percentile returns the p-th percentile (0-100) of sorted using the
// nearest-rank method.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p/100*float64(len(sorted))+0.999999) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func printResults(m *Metrics, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	latencies := append([]time.Duration(nil), m.latencies...)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	totalErrors := 0
	for _, n := range m.errors {
		totalErrors += n
	}

	fmt.Println("\n+---------------------------------------------------------------+")
	fmt.Println("|                      BENCHMARK RESULTS                        |")
	fmt.Println("+---------------------------------------------------------------+")

	fmt.Printf("\nREQUESTS\n")
	fmt.Printf("   Total Requests:   %d\n", len(latencies))
	fmt.Printf("   Errors:           %d\n", totalErrors)
	reasons := make([]string, 0, len(m.errors))
	for reason := range m.errors {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		fmt.Printf("     %-20s %d\n", reason, m.errors[reason])
	}
	fmt.Printf("   Quoted Value:     %s\n", m.quoted.StringFixed(2))

	fmt.Printf("\nLATENCY\n")
	fmt.Printf("   p50:              %s\n", percentile(latencies, 50))
	fmt.Printf("   p90:              %s\n", percentile(latencies, 90))
	fmt.Printf("   p99:              %s\n", percentile(latencies, 99))
	if len(latencies) > 0 {
		fmt.Printf("   max:              %s\n", latencies[len(latencies)-1])
	}

	fmt.Printf("\nTHROUGHPUT\n")
	fmt.Printf("   Duration:         %s\n", duration.Round(time.Millisecond))
	if duration > 0 {
		fmt.Printf("   Requests/sec:     %.1f\n", float64(len(latencies))/duration.Seconds())
	}

	if len(m.mismatches) > 0 {
		fmt.Printf("\nNON-DETERMINISTIC QUOTES: %d\n", len(m.mismatches))
		for _, id := range m.mismatches {
			fmt.Printf("   %s\n", id)
		}
	}
	fmt.Println()
}
