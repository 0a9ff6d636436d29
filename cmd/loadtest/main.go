package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Drives concurrent reservations against a running server and checks that
// successes never exceed the available quantity it was pointed at.
func main() {
	baseURL := flag.String("url", "http://localhost:8080", "server base URL")
	instrumentID := flag.String("instrument", "", "instrument id to reserve against")
	available := flag.Int("available", 20, "availability expected before the run")
	requests := flag.Int("requests", 50, "total concurrent reserve calls")
	flag.Parse()

	if *instrumentID == "" {
		log.Fatal("missing -instrument")
	}

	var successCount atomic.Int32
	var soldOutCount atomic.Int32
	var errorCount atomic.Int32

	client := &http.Client{Timeout: 10 * time.Second}

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			body, _ := json.Marshal(map[string]any{
				"booking_id":    uuid.NewString(),
				"instrument_id": *instrumentID,
				"quantity":      "1",
			})
			resp, err := client.Post(*baseURL+"/api/reservations", "application/json", bytes.NewReader(body))
			if err != nil {
				errorCount.Add(1)
				return
			}
			defer resp.Body.Close()

			switch resp.StatusCode {
			case http.StatusCreated:
				successCount.Add(1)
			case http.StatusConflict:
				soldOutCount.Add(1)
			default:
				errorCount.Add(1)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := successCount.Load()
	soldOut := soldOutCount.Load()
	errs := errorCount.Load()

	fmt.Println("========== LOAD TEST RESULTS ==========")
	fmt.Printf("Available:        %d\n", *available)
	fmt.Printf("Total Requests:   %d\n", *requests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Sold Out:         %d\n", soldOut)
	fmt.Printf("Errors:           %d\n", errs)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("=======================================")

	if int(success) <= *available {
		fmt.Println("PASS: successes never exceeded availability")
	} else {
		fmt.Printf("FAIL: %d successes against %d available — oversell!\n", success, *available)
	}
}
