// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// StatusResponse matches the structure from server.go
type StatusResponse struct {
	ID             string `json:"id"`
	Uptime         string `json:"uptime"`
	TasksSubmitted uint64 `json:"tasks_submitted"`
	TasksFinished  uint64 `json:"tasks_finished"`
	TasksCanceled  uint64 `json:"tasks_canceled"`
	TaskConflicts  uint64 `json:"task_conflicts"`
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// Scenario scripts, one per suite. The hostile suites are expected to be
// cut off by the statement ceiling, not to crash the worker.
var scenarios = map[string]struct {
	source string
	limit  int64
}{
	"cpu": {
		source: "x = 0\nfor i in range(200000):\n    x += i\nprint(x)\n",
		limit:  5_000_000,
	},
	"hostile": {
		source: "while True:\n    pass\n",
		limit:  100_000,
	},
	"faulty": {
		source: "print(\"before\")\nfail(\"benchmark failure\")\n",
		limit:  100_000,
	},
	"trivial": {
		source: "print(\"hello\")\n",
		limit:  100_000,
	},
}

func main() {
	suite := flag.String("suite", "", "Benchmark suite to run (cpu, hostile, faulty, trivial)")
	count := flag.Int("count", 100, "Number of scripts to submit")
	apiHost := flag.String("api_host", "localhost", "Worker API host")
	apiPort := flag.String("api_port", "8080", "Worker API port")
	flag.Parse()

	scenario, ok := scenarios[*suite]
	if !ok {
		fmt.Printf("%sPlease specify a suite using --suite=[cpu|hostile|faulty|trivial]%s\n", colorRed, colorReset)
		os.Exit(1)
	}

	_ = godotenv.Load("../../.env")
	if p := os.Getenv("API_PORT"); p != "" && *apiPort == "8080" {
		*apiPort = p
	}

	base := fmt.Sprintf("http://%s:%s", *apiHost, *apiPort)

	fmt.Printf("\n%s%s %s SCRIPTWORKER BENCHMARK %s %s%s\n", colorCyan, colorBold, ">>", "SUITE: "+*suite, "<<", colorReset)

	initialStats, err := getStats(base)
	if err != nil {
		fmt.Printf("%s[ERR]%s Worker unreachable at %s: %v\n", colorRed, colorReset, base, err)
		os.Exit(1)
	}

	// Submit the whole batch up front.
	startTime := time.Now()
	submitted := 0
	for i := 0; i < *count; i++ {
		if err := submitScript(base, scenario.source, scenario.limit); err != nil {
			fmt.Printf("%s[WARN]%s Submit %d rejected: %v\n", colorYellow, colorReset, i, err)
			continue
		}
		submitted++
	}
	fmt.Printf("%s[OK]%s Submitted %d scripts.\n\n", colorGreen, colorReset, submitted)

	// Monitor Progress
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	fmt.Printf("%s%-10s %-12s %-12s %-12s%s\n", colorGray+colorBold, "ELAPSED", "FINISHED", "CANCELED", "CONFLICTS", colorReset)
	fmt.Println(colorGray + "------------------------------------------------" + colorReset)

	for range ticker.C {
		stats, err := getStats(base)
		elapsed := time.Since(startTime).Round(time.Second).String()

		if err != nil {
			fmt.Printf("\r%-10s %s%-36s%s",
				elapsed,
				colorRed, "Error: Connection Refused (Retrying...)", colorReset,
			)
			continue
		}

		deltaFinished := stats.TasksFinished - initialStats.TasksFinished
		deltaCanceled := stats.TasksCanceled - initialStats.TasksCanceled
		deltaConflicts := stats.TaskConflicts - initialStats.TaskConflicts

		fmt.Printf("\r%-10s %s%-12d%s %s%-12d%s %-12d",
			elapsed,
			colorGreen, deltaFinished, colorReset,
			colorYellow, deltaCanceled, colorReset,
			deltaConflicts,
		)

		if deltaFinished+deltaCanceled+deltaConflicts >= uint64(submitted) {
			fmt.Printf("\n%s------------------------------------------------%s\n", colorGray, colorReset)
			fmt.Printf("\n%s%s Benchmark Completed! %s%s\n", colorGreen, colorBold, "✓", colorReset)
			printReport(deltaFinished, deltaCanceled, deltaConflicts, time.Since(startTime))
			break
		}
	}
}

func submitScript(base, source string, limit int64) error {
	body, _ := json.Marshal(map[string]any{
		"source":          source,
		"statement_limit": limit,
	})
	resp, err := http.Post(base+"/scripts", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func getStats(base string) (StatusResponse, error) {
	resp, err := http.Get(base + "/status")
	if err != nil {
		return StatusResponse{}, err
	}
	defer resp.Body.Close()

	var stats StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return StatusResponse{}, err
	}
	return stats, nil
}

func printReport(finished, canceled, conflicts uint64, duration time.Duration) {
	total := finished + canceled + conflicts
	tps := float64(total) / duration.Seconds()

	fmt.Println("\n" + colorCyan + colorBold + "┏━━━━━━━━━━━━━━━━━━━━━━ REPORT ━━━━━━━━━━━━━━━━━━━━━━┓" + colorReset)

	lineFmt := colorCyan + "┃" + colorReset + "  %-22s " + colorBold + "%-25s" + colorCyan + "┃" + colorReset

	fmt.Printf(lineFmt+"\n", "Duration:", duration.Truncate(time.Millisecond).String())
	fmt.Printf(lineFmt+"\n", "Total Tasks:", fmt.Sprintf("%d", total))
	fmt.Printf(colorCyan+"┃"+"  %-22s "+colorGreen+colorBold+"%-25s"+colorCyan+"┃"+colorReset+"\n", "  - Finished:", fmt.Sprintf("%d", finished))
	fmt.Printf(colorCyan+"┃"+"  %-22s "+colorYellow+colorBold+"%-25s"+colorCyan+"┃"+colorReset+"\n", "  - Canceled:", fmt.Sprintf("%d", canceled))
	fmt.Printf(lineFmt+"\n", "Throughput (TPS):", fmt.Sprintf("%.2f tasks/sec", tps))

	fmt.Println(colorCyan + colorBold + "┗━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛" + colorReset)
}
