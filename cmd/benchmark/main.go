// Benchmark tool for load-testing the Kestrel coupon pipeline.
//
// Usage:
//   go run cmd/benchmark/main.go -url http://localhost:8080 -coupons 10000
//
// This tool:
//   1. Creates a set of promotions with mixed limit policies
//   2. Issues coupons concurrently across synthetic customers and devices
//   3. Redeems a configurable share of the issued coupons
//   4. Reports throughput, latency, and the conflict breakdown
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// PromotionRequest is the Kestrel API request format
type PromotionRequest struct {
	Name        string `json:"name"`
	LimitPolicy string `json:"limitPolicy"`
}

// Promotion is the Kestrel API response format
type Promotion struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	LimitPolicy string `json:"limitPolicy"`
}

// IssueRequest is the body for POST /coupons/issue
type IssueRequest struct {
	PromotionID string `json:"promotionId"`
	CustomerID  string `json:"customerId"`
	DeviceID    string `json:"deviceId"`
}

// Coupon is the issued coupon returned by the API
type Coupon struct {
	ID     string `json:"id"`
	Code   string `json:"code"`
	Status string `json:"status"`
}

// ConflictResponse carries the stable conflict reason on 409s
type ConflictResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// Metrics tracks benchmark results
type Metrics struct {
	Issued       int64
	Redeemed     int64
	Conflicts    int64
	TotalErrors  int64
	IssueTimeMs  int64
	RedeemTimeMs int64
}

func main() {
	// Parse flags
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	companyID := flag.String("company", "benchmark-test", "Company ID for requests")
	promotions := flag.Int("promotions", 10, "Number of promotions to create")
	customers := flag.Int("customers", 1000, "Size of the synthetic customer pool")
	coupons := flag.Int("coupons", 10000, "Number of issue attempts")
	redeemRate := flag.Float64("redeem", 0.8, "Share of issued coupons to redeem (0.0-1.0)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each failed request")
	flag.Parse()

	fmt.Println("================================================================")
	fmt.Println("          KESTREL BENCHMARK - Coupon Pipeline Load")
	fmt.Println("================================================================")
	fmt.Printf("\nKestrel URL: %s\n", *baseURL)
	fmt.Printf("Company ID:  %s\n", *companyID)
	fmt.Printf("Promotions:  %d\n", *promotions)
	fmt.Printf("Customers:   %d\n", *customers)
	fmt.Printf("Coupons:     %d\n", *coupons)
	fmt.Printf("Redeem Rate: %.2f\n", *redeemRate)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Println()

	// Check Kestrel is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("Kestrel is healthy")

	// Create promotions with mixed limit policies
	fmt.Printf("\nCreating %d promotions...\n", *promotions)
	policies := []string{"UNLIMITED", "UNLIMITED", "ONE_PER_PERSON", "ONE_PER_24H", "DAILY_PER_USER"}
	promoIDs := make([]string, 0, *promotions)
	client := &http.Client{Timeout: 10 * time.Second}
	for i := 0; i < *promotions; i++ {
		p, err := createPromotion(client, *baseURL, *companyID, PromotionRequest{
			Name:        fmt.Sprintf("bench-promo-%03d", i),
			LimitPolicy: policies[i%len(policies)],
		})
		if err != nil {
			fmt.Printf("ERROR: Failed to create promotion: %v\n", err)
			os.Exit(1)
		}
		promoIDs = append(promoIDs, p.ID)
	}
	fmt.Printf("Created %d promotions\n", len(promoIDs))

	// Run benchmark
	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(promoIDs, *baseURL, *companyID, *customers, *coupons, *redeemRate, *workers, *verbose)
	duration := time.Since(startTime)

	// Print results
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

func runBenchmark(promoIDs []string, baseURL, companyID string, customers, coupons int, redeemRate float64, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	work := make(chan int, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}
			rng := rand.New(rand.NewSource(int64(seed)))

			for n := range work {
				req := IssueRequest{
					PromotionID: promoIDs[n%len(promoIDs)],
					CustomerID:  fmt.Sprintf("bench-customer-%05d", rng.Intn(customers)),
					DeviceID:    fmt.Sprintf("bench-device-%05d", rng.Intn(customers)),
				}

				start := time.Now()
				coupon, conflict, err := issueCoupon(client, baseURL, companyID, req)
				atomic.AddInt64(&metrics.IssueTimeMs, time.Since(start).Milliseconds())

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: issue %s -> %v\n", req.CustomerID, err)
					}
					continue
				}
				if conflict != "" {
					// Limit policies make these expected under load.
					atomic.AddInt64(&metrics.Conflicts, 1)
					if verbose {
						fmt.Printf("CONFLICT: issue %s -> %s\n", req.CustomerID, conflict)
					}
					continue
				}
				atomic.AddInt64(&metrics.Issued, 1)

				if rng.Float64() >= redeemRate {
					continue
				}

				start = time.Now()
				conflict, err = redeemCoupon(client, baseURL, companyID, coupon.Code)
				atomic.AddInt64(&metrics.RedeemTimeMs, time.Since(start).Milliseconds())

				switch {
				case err != nil:
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: redeem %s -> %v\n", coupon.Code, err)
					}
				case conflict != "":
					atomic.AddInt64(&metrics.Conflicts, 1)
				default:
					atomic.AddInt64(&metrics.Redeemed, 1)
				}
			}
		}(i)
	}

	for n := 0; n < coupons; n++ {
		work <- n
	}
	close(work)
	wg.Wait()

	return metrics
}

func createPromotion(client *http.Client, baseURL, companyID string, req PromotionRequest) (*Promotion, error) {
	body, err := doPost(client, baseURL+"/promotions", companyID, req, http.StatusCreated)
	if err != nil {
		return nil, err
	}
	var p Promotion
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// issueCoupon returns the coupon, or the conflict reason when the limit
// policy rejects the issuance.
func issueCoupon(client *http.Client, baseURL, companyID string, req IssueRequest) (*Coupon, string, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, "", err
	}
	httpReq, err := http.NewRequest("POST", baseURL+"/coupons/issue", bytes.NewReader(raw))
	if err != nil {
		return nil, "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Company-ID", companyID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusCreated:
		var c Coupon
		if err := json.Unmarshal(body, &c); err != nil {
			return nil, "", err
		}
		return &c, "", nil
	case http.StatusConflict:
		var conflict ConflictResponse
		_ = json.Unmarshal(body, &conflict)
		return nil, conflict.Reason, nil
	default:
		return nil, "", fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
}

func redeemCoupon(client *http.Client, baseURL, companyID, code string) (string, error) {
	httpReq, err := http.NewRequest("POST", baseURL+"/coupons/"+code+"/redeem", nil)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("X-Company-ID", companyID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return "", nil
	case http.StatusConflict:
		var conflict ConflictResponse
		_ = json.Unmarshal(body, &conflict)
		return conflict.Reason, nil
	default:
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
}

func doPost(client *http.Client, url, companyID string, req any, wantStatus int) ([]byte, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequest("POST", url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Company-ID", companyID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != wantStatus {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func printResults(m *Metrics, duration time.Duration) {
	total := m.Issued + m.Conflicts + m.TotalErrors

	fmt.Println("\n================================================================")
	fmt.Println("                         RESULTS")
	fmt.Println("================================================================")
	fmt.Printf("\nDuration:        %s\n", duration.Round(time.Millisecond))
	fmt.Printf("Issue attempts:  %d\n", total)
	fmt.Printf("Issued:          %d\n", m.Issued)
	fmt.Printf("Redeemed:        %d\n", m.Redeemed)
	fmt.Printf("Conflicts:       %d\n", m.Conflicts)
	fmt.Printf("Errors:          %d\n", m.TotalErrors)

	if total > 0 {
		fmt.Printf("\nThroughput:      %.1f req/s\n", float64(total+m.Redeemed)/duration.Seconds())
	}
	if m.Issued > 0 {
		fmt.Printf("Avg issue:       %.1f ms\n", float64(m.IssueTimeMs)/float64(m.Issued+m.Conflicts))
	}
	if m.Redeemed > 0 {
		fmt.Printf("Avg redeem:      %.1f ms\n", float64(m.RedeemTimeMs)/float64(m.Redeemed))
	}
	fmt.Println()
}
