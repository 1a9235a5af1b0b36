// Benchmark tool for replaying loan scenarios against a running server.
//
// Usage:
//
//	go run ./cmd/benchmark -csv scenarios.csv -url http://localhost:8080
//
// Without -csv the built-in presets are replayed -repeat times. With -csv
// each row carries an expected status that is compared with the decision.
package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/underwrite/internal/domain"
	"github.com/opensource-finance/underwrite/internal/underwriting"
)

// Case is one scenario to replay with its expected status, if known.
type Case struct {
	Name     string
	Scenario domain.Scenario
	Expected string
}

// evaluateResponse is the subset of the API response the benchmark reads.
type evaluateResponse struct {
	Decision struct {
		Status   string `json:"status"`
		Metadata struct {
			Cached bool `json:"cached"`
		} `json:"metadata"`
	} `json:"decision"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	mu sync.Mutex

	// Matrix counts expected status -> actual status.
	Matrix map[string]map[string]int

	Statuses  map[string]int
	Processed int
	Errors    int
	Cached    int
	LatencyMs int64
}

func newMetrics() *Metrics {
	return &Metrics{
		Matrix:   make(map[string]map[string]int),
		Statuses: make(map[string]int),
	}
}

func (m *Metrics) record(c Case, status string, cached bool, elapsed time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Processed++
	m.LatencyMs += elapsed.Milliseconds()
	if err != nil {
		m.Errors++
		return
	}

	m.Statuses[status]++
	if cached {
		m.Cached++
	}
	if c.Expected != "" {
		row, ok := m.Matrix[c.Expected]
		if !ok {
			row = make(map[string]int)
			m.Matrix[c.Expected] = row
		}
		row[status]++
	}
}

// Accuracy returns the share of labelled cases whose status matched.
func (m *Metrics) Accuracy() (float64, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	correct, total := 0, 0
	for expected, row := range m.Matrix {
		for actual, n := range row {
			total += n
			if actual == expected {
				correct += n
			}
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(correct) / float64(total), total
}

func main() {
	csvPath := pflag.String("csv", "", "CSV file of scenarios with an expected column")
	baseURL := pflag.String("url", "http://localhost:8080", "server base URL")
	policyID := pflag.String("policy", domain.DefaultPolicyID, "policy ID sent as X-Policy-ID")
	repeat := pflag.Int("repeat", 100, "times to replay the presets when no CSV is given")
	limit := pflag.Int("limit", 0, "maximum CSV rows to replay (0 = all)")
	workers := pflag.Int("workers", 10, "number of concurrent workers")
	verbose := pflag.Bool("verbose", false, "print each result")
	pflag.Parse()

	fmt.Println("UNDERWRITE BENCHMARK")
	fmt.Printf("\nServer URL:  %s\n", *baseURL)
	fmt.Printf("Policy:      %s\n", *policyID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: server not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure the server is running:")
		fmt.Println("  go run ./cmd/underwrite serve")
		os.Exit(1)
	}
	fmt.Println("✓ server is healthy")

	var cases []Case
	if *csvPath != "" {
		f, err := os.Open(*csvPath)
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
		cases, err = readCases(f, *limit)
		f.Close()
		if err != nil {
			fmt.Printf("ERROR: failed to read CSV: %v\n", err)
			os.Exit(1)
		}
	} else {
		cases = presetCases(*repeat)
	}
	fmt.Printf("✓ loaded %d scenarios\n", len(cases))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	start := time.Now()
	metrics := runBenchmark(context.Background(), cases, *baseURL, *policyID, *workers, *verbose)
	printResults(metrics, time.Since(start))
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

// presetCases repeats the built-in presets n times.
func presetCases(n int) []Case {
	presets := underwriting.Presets()
	cases := make([]Case, 0, n*len(presets))
	for i := 0; i < n; i++ {
		for _, p := range presets {
			cases = append(cases, Case{Name: p.ID, Scenario: p.Scenario})
		}
	}
	return cases
}

// readCases parses scenario rows. Columns are matched by header name;
// missing optional columns take the defaults of a full-doc fixed purchase.
func readCases(r io.Reader, limit int) ([]Case, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int)
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"credit_score", "income", "value", "loan_amount", "note_rate"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	var cases []Case
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue // skip malformed rows
		}

		get := func(name, def string) string {
			if i, ok := col[name]; ok && i < len(record) && record[i] != "" {
				return strings.TrimSpace(record[i])
			}
			return def
		}
		num := func(name, def string) float64 {
			v, _ := strconv.ParseFloat(get(name, def), 64)
			return v
		}

		value := num("value", "0")
		s := domain.Scenario{
			Borrower: domain.Borrower{
				CreditScore:              int(num("credit_score", "0")),
				GrossMonthlyIncome:       num("income", "0"),
				MonthlyDebts:             map[string]float64{"other": num("debts", "0")},
				NumFinancedProperties:    int(num("financed_properties", "1")),
				FirstTimeHomebuyer:       get("fthb", "false") == "true",
				OwnsPropertyLast3Yrs:     get("fthb", "false") != "true",
				LiquidAssetsAfterClosing: num("assets", "0"),
				DocType:                  domain.DocTypeFull,
			},
			Property: domain.Property{
				PurchasePrice:   &value,
				AppraisedValue:  value,
				Units:           int(num("units", "1")),
				PropertyType:    get("property_type", "SFR"),
				Occupancy:       get("occupancy", domain.OccupancyPrimary),
				ConditionRating: get("condition", "C3"),
				State:           get("state", ""),
				IsHighCostArea:  get("high_cost", "false") == "true",
			},
			Loan: domain.Loan{
				LoanAmount:  num("loan_amount", "0"),
				NoteRate:    num("note_rate", "0"),
				TermMonths:  int(num("term_months", "360")),
				Purpose:     get("purpose", domain.PurposePurchase),
				ProductType: get("product_type", "fixed"),
				Channel:     get("channel", domain.ChannelConforming),
			},
		}
		if s.Loan.Purpose != domain.PurposePurchase {
			s.Property.PurchasePrice = nil
		}

		cases = append(cases, Case{
			Name:     get("name", fmt.Sprintf("row-%d", line)),
			Scenario: s,
			Expected: strings.ToUpper(get("expected", "")),
		})
		if limit > 0 && len(cases) >= limit {
			break
		}
	}

	return cases, nil
}

func runBenchmark(ctx context.Context, cases []Case, baseURL, policyID string, numWorkers int, verbose bool) *Metrics {
	metrics := newMetrics()
	client := &http.Client{Timeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(numWorkers)

	for _, c := range cases {
		g.Go(func() error {
			start := time.Now()
			resp, err := evaluateCase(ctx, client, baseURL, policyID, c)
			elapsed := time.Since(start)

			var status string
			var cached bool
			if resp != nil {
				status = resp.Decision.Status
				cached = resp.Decision.Metadata.Cached
			}
			metrics.record(c, status, cached, elapsed, err)

			if verbose {
				switch {
				case err != nil:
					fmt.Printf("ERROR %-20s -> %v\n", c.Name, err)
				case c.Expected != "" && c.Expected != status:
					fmt.Printf("✗ %-20s expected %-10s got %s\n", c.Name, c.Expected, status)
				default:
					fmt.Printf("✓ %-20s %s\n", c.Name, status)
				}
			}
			return nil
		})
	}
	g.Wait()

	return metrics
}

func evaluateCase(ctx context.Context, client *http.Client, baseURL, policyID string, c Case) (*evaluateResponse, error) {
	body, err := json.Marshal(c.Scenario)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Policy-ID", policyID)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var out evaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func printResults(m *Metrics, duration time.Duration) {
	statuses := []string{domain.StatusApprove, domain.StatusRefer, domain.StatusIneligible}

	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nDECISIONS\n")
	fmt.Printf("   Total Processed:  %d\n", m.Processed)
	for _, s := range statuses {
		fmt.Printf("   %-16s  %d\n", s+":", m.Statuses[s])
	}
	fmt.Printf("   Cached:           %d\n", m.Cached)
	fmt.Printf("   Errors:           %d\n", m.Errors)

	if accuracy, total := m.Accuracy(); total > 0 {
		fmt.Printf("\nEXPECTED vs ACTUAL (%d labelled)\n", total)
		fmt.Printf("   %-12s", "")
		for _, s := range statuses {
			fmt.Printf(" %10s", s)
		}
		fmt.Println()
		for _, expected := range statuses {
			fmt.Printf("   %-12s", expected)
			for _, actual := range statuses {
				fmt.Printf(" %10d", m.Matrix[expected][actual])
			}
			fmt.Println()
		}
		fmt.Printf("\n   Accuracy:  %.4f\n", accuracy)
	}

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.Processed > 0 {
		fmt.Printf("   Avg Latency:      %.2f ms\n", float64(m.LatencyMs)/float64(m.Processed))
		fmt.Printf("   Throughput:       %.2f req/sec\n", float64(m.Processed)/duration.Seconds())
	}
	fmt.Println()
}
