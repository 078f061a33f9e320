package bench

import (
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/wbKV/cmd/util"
	"github.com/ValentinKolb/wbKV/lib/cache"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// BenchCmd represents the bench command
	BenchCmd = &cobra.Command{
		Use:     "bench",
		Short:   "Benchmark the write-behind engine against the configured backing store",
		Long:    "",
		RunE:    run,
		PreRunE: processBenchConfig,
	}

	engine cache.ICache

	benchKeyPrefix = "__bench"
	benchValueSize = 128
	benchThreads   = 10
	benchKeySpread = 100
	benchSkip      = make([]string, 0)
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add engine and backing store flags
	util.SetupEngineFlags(BenchCmd)

	// add flags
	key := "skip"
	BenchCmd.PersistentFlags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. put,get)"))
	key = "threads"
	BenchCmd.PersistentFlags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "value-size"
	BenchCmd.PersistentFlags().Int(key, 128, util.WrapString("Size of the benchmark values (in bytes)"))
	key = "keys"
	BenchCmd.PersistentFlags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "csv"
	BenchCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processBenchConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	benchValueSize = viper.GetInt("value-size")
	benchKeySpread = viper.GetInt("keys")
	benchThreads = viper.GetInt("threads")
	if skip := viper.GetString("skip"); skip != "" {
		benchSkip = strings.Split(skip, ",")
	}

	return nil
}

func run(_ *cobra.Command, _ []string) error {

	fmt.Println("Benchmark tool for the write-behind engine")

	// Create the backing store and the engine on top of it
	store, err := util.GetStore()
	if err != nil {
		return err
	}
	opts, err := util.GetEngineOptions()
	if err != nil {
		return err
	}
	engine, err = cache.New(store, opts)
	if err != nil {
		return err
	}

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Printf("Store: %s\n", viper.GetString("store"))
	fmt.Printf("Admission: %s\n", opts.Admission)
	fmt.Printf("Batch size: %d, Max delay: %s, Queue capacity: %d\n", opts.BatchSize, opts.MaxDelay, opts.QueueCapacity)
	fmt.Printf("Threads: %d, Keys: %d, Value size: %dB\n", benchThreads, benchKeySpread, benchValueSize)
	fmt.Println()

	fmt.Println("starting benchmarks...")

	value := make([]byte, benchValueSize)

	// Put latencies are sampled separately: ns/op hides the tail that the
	// admission policy produces under queue pressure
	putLatencies := gometrics.NewHistogram(gometrics.NewExpDecaySample(1028, 0.015))

	// Create results map
	results := make(map[string]testing.BenchmarkResult)

	putResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("put") {
			return
		}

		// prepare keys
		getKey, _ := getKeys("put")

		b.SetParallelism(benchThreads)

		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				start := time.Now()
				err := engine.Put(getKey(counter), value)
				putLatencies.Update(time.Since(start).Nanoseconds())
				if err != nil {
					log.Printf("(put) - error putting key: %v\n", err)
				}
				counter++
			}
		})
	})

	results["put"] = putResult
	printResult("put", putResult)

	// all writers hammer a single key: measures the coalescing fast path
	putHotResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("put-hot") {
			return
		}

		hotKey := fmt.Sprintf("%s-hot", benchKeyPrefix)

		b.SetParallelism(benchThreads)

		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				if err := engine.Put(hotKey, value); err != nil {
					log.Printf("(put-hot) - error putting key: %v\n", err)
				}
			}
		})
	})

	results["put-hot"] = putHotResult
	printResult("put-hot", putHotResult)

	getResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("get") {
			return
		}

		// prepare keys
		getKey, iter := getKeys("get")

		// put keys
		iter(func(k string) {
			if err := engine.Put(k, value); err != nil {
				log.Printf("(get) - error putting key: %v\n", err)
			}
		})

		b.SetParallelism(benchThreads)

		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				if _, ok := engine.Get(getKey(counter)); !ok {
					log.Printf("(get) - key unexpectedly missing\n")
				}
				counter++
			}
		})
	})

	results["get"] = getResult
	printResult("get", getResult)

	deleteResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("delete") {
			return
		}

		// prepare keys
		getKey, iter := getKeys("delete")

		// put keys
		iter(func(k string) {
			if err := engine.Put(k, value); err != nil {
				log.Printf("(delete) - error putting key: %v\n", err)
			}
		})

		b.SetParallelism(benchThreads)

		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				if err := engine.Delete(getKey(counter)); err != nil {
					log.Printf("(delete) - error deleting key: %v\n", err)
				}
				counter++
			}
		})
	})

	results["delete"] = deleteResult
	printResult("delete", deleteResult)

	mixedResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("mixed") {
			return
		}

		// prepare keys
		getKey, iter := getKeys("mixed")

		// put keys
		iter(func(k string) {
			if err := engine.Put(k, value); err != nil {
				log.Printf("(mixed) - error putting key: %v\n", err)
			}
		})

		b.SetParallelism(benchThreads)

		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				key := getKey(counter)
				var err error
				switch counter % 4 {
				case 0, 1, 2: // read-heavy mix
					_, _ = engine.Get(key)
				case 3:
					err = engine.Put(key, value)
				}

				if err != nil {
					log.Printf("(mixed) - error performing operation (%d): %v\n", counter%4, err)
				}
				counter++
			}
		})
	})

	results["mixed"] = mixedResult
	printResult("mixed", mixedResult)

	// Drain the engine and report how long persisting the backlog took
	fmt.Println()
	fmt.Println("draining...")
	drainStart := time.Now()
	remaining, err := engine.Drain(opts.ShutdownTimeout)
	if err != nil {
		fmt.Printf("drain finished with %d unflushed mutations: %v\n", remaining, err)
	} else {
		fmt.Printf("drain completed in %s\n", time.Since(drainStart))
	}

	printEngineReport(putLatencies)

	// Write results to csv if specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return store.Close()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range benchSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// creates an array of test keys and functions to work with them
func getKeys(prefix string) (func(int) string, func(func(string))) {
	keys := make([]string, benchKeySpread)
	for i := 0; i < benchKeySpread; i++ {
		keys[i] = fmt.Sprintf("%s-%s-%d", benchKeyPrefix, prefix, i)
	}

	// Function to get a key by index (with wraparound)
	getKey := func(i int) string {
		return keys[i%benchKeySpread]
	}

	// Function to iterate over all keys and apply a function to each
	iterateKeys := func(fn func(string)) {
		for _, key := range keys {
			fn(key)
		}
	}

	return getKey, iterateKeys
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	// Print the formatted result
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// printEngineReport prints the engine counters and the put latency
// distribution after the drain
func printEngineReport(putLatencies gometrics.Histogram) {
	info := engine.Info()

	fmt.Println()
	fmt.Println("Engine report:")
	fmt.Printf("Flushes: %d, Failures: %d, Retries: %d\n", info.Flushes, info.FlushFailures, info.Retries)
	fmt.Printf("Rejected: %d, Dropped: %d, Dead letters: %d\n", info.Rejected, info.Dropped, info.DeadLetters)

	if putLatencies.Count() > 0 {
		ps := putLatencies.Percentiles([]float64{0.5, 0.9, 0.99})
		fmt.Printf("Put latency: p50=%s p90=%s p99=%s max=%s\n",
			time.Duration(int64(ps[0])),
			time.Duration(int64(ps[1])),
			time.Duration(int64(ps[2])),
			time.Duration(putLatencies.Max()),
		)
	}
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Store", "Admission", "BatchSize", "QueueCapacity",
		"Threads", "ValueSizeB", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for test, result := range results {
		var nsPerOp float64
		var opsPerSec float64
		skipped := result.NsPerOp() == 0

		if !skipped {
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			strconv.FormatFloat(nsPerOp, 'f', 0, 64),
			time.Duration(nsPerOp).String(),
			strconv.FormatFloat(opsPerSec, 'f', 0, 64),
			strconv.FormatBool(skipped),
			viper.GetString("store"),
			viper.GetString("admission"),
			strconv.Itoa(viper.GetInt("batch-size")),
			strconv.Itoa(viper.GetInt("queue-capacity")),
			strconv.Itoa(benchThreads),
			strconv.Itoa(benchValueSize),
			strconv.Itoa(benchKeySpread),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %v", err)
		}
	}

	return nil
}
