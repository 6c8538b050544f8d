// Package generator writes mock PII CSV files for load testing the tokenizer.
package generator

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"
)

// Sample names for generating realistic test data
var firstNames = []string{
	"JAMES", "MARY", "JOHN", "PATRICIA", "ROBERT", "JENNIFER", "MICHAEL", "LINDA",
	"WILLIAM", "BARBARA", "DAVID", "ELIZABETH", "RICHARD", "SUSAN", "JOSEPH", "JESSICA",
	"THOMAS", "SARAH", "CHARLES", "KAREN", "CHRISTOPHER", "NANCY", "DANIEL", "LISA",
	"MATTHEW", "BETTY", "ANTHONY", "MARGARET", "MARK", "SANDRA", "DONALD", "ASHLEY",
}

var lastNames = []string{
	"SMITH", "JOHNSON", "WILLIAMS", "BROWN", "JONES", "GARCIA", "MILLER", "DAVIS",
	"RODRIGUEZ", "MARTINEZ", "HERNANDEZ", "LOPEZ", "GONZALEZ", "WILSON", "ANDERSON", "THOMAS",
	"TAYLOR", "MOORE", "JACKSON", "MARTIN", "LEE", "PEREZ", "THOMPSON", "WHITE",
	"HARRIS", "SANCHEZ", "CLARK", "RAMIREZ", "LEWIS", "ROBINSON", "WALKER", "YOUNG",
}

var cities = []string{
	"NEW YORK", "LOS ANGELES", "CHICAGO", "HOUSTON", "PHOENIX", "PHILADELPHIA",
	"SAN ANTONIO", "SAN DIEGO", "DALLAS", "AUSTIN", "DENVER", "SEATTLE",
}

// Header is the column layout of generated files
var Header = []string{"id", "full_name", "email", "dob", "ssn", "city"}

// Options controls generation
type Options struct {
	Rows    int
	Workers int
	// Seed makes the random columns reproducible; 0 seeds from the clock
	Seed int64
	// Progress is called every ProgressEvery written rows
	Progress      func(generated int)
	ProgressEvery int
}

// Generate writes opts.Rows mock records as CSV to w and returns the number
// of rows written. Rows are produced in parallel, so their order is not
// fixed, but every id is unique.
func Generate(ctx context.Context, w io.Writer, opts Options) (int, error) {
	if opts.Rows <= 0 {
		return 0, fmt.Errorf("rows must be > 0, got %d", opts.Rows)
	}
	numWorkers := opts.Workers
	if numWorkers <= 0 {
		numWorkers = 8
	}
	numWorkers = min(numWorkers, opts.Rows)
	every := opts.ProgressEvery
	if every <= 0 {
		every = 100000
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	stamp := strconv.FormatInt(seed, 36)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recordChan := make(chan []string, 10000)
	var wg sync.WaitGroup

	recordsPerWorker := opts.Rows / numWorkers
	remainder := opts.Rows % numWorkers
	start := int64(0)
	for worker := 0; worker < numWorkers; worker++ {
		count := recordsPerWorker
		if worker < remainder {
			count++
		}
		wg.Add(1)
		go func(workerID int, baseRecordID int64, count int) {
			defer wg.Done()
			// Keep random for data variety, uniqueness comes from the record id
			rnd := rand.New(rand.NewPCG(uint64(seed), uint64(workerID)))
			for i := 0; i < count; i++ {
				row := mockRow(baseRecordID+int64(i), stamp, rnd)
				select {
				case recordChan <- row:
				case <-ctx.Done():
					return
				}
			}
		}(worker, start, count)
		start += int64(count)
	}

	go func() {
		wg.Wait()
		close(recordChan)
	}()

	writer := csv.NewWriter(w)
	if err := writer.Write(Header); err != nil {
		return 0, fmt.Errorf("error writing header: %w", err)
	}
	written := 0
	for row := range recordChan {
		if err := writer.Write(row); err != nil {
			cancel()
			return written, fmt.Errorf("error writing record: %w", err)
		}
		written++
		if written%10000 == 0 {
			writer.Flush()
		}
		if opts.Progress != nil && written%every == 0 {
			opts.Progress(written)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return written, err
	}
	if err := ctx.Err(); err != nil && written < opts.Rows {
		return written, err
	}
	return written, nil
}

func mockRow(recordID int64, stamp string, rnd *rand.Rand) []string {
	first := firstNames[rnd.IntN(len(firstNames))]
	last := lastNames[rnd.IntN(len(lastNames))]

	year := 1940 + rnd.IntN(70)
	month := rnd.IntN(12) + 1
	day := rnd.IntN(28) + 1

	area := rnd.IntN(899) + 1
	if area == 666 {
		area = 667
	}
	group := rnd.IntN(99) + 1
	serial := rnd.IntN(9999) + 1

	return []string{
		strconv.FormatInt(recordID+1, 10),
		first + " " + last,
		fmt.Sprintf("user%d.%s@example.com", recordID+1, uniqueSuffix(stamp, recordID)),
		fmt.Sprintf("%04d-%02d-%02d", year, month, day),
		fmt.Sprintf("%03d-%02d-%04d", area, group, serial),
		cities[rnd.IntN(len(cities))],
	}
}

// uniqueSuffix derives a short suffix from the record id so values stay
// unique across runs that use different seeds
func uniqueSuffix(stamp string, recordID int64) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("suffix_%s_%d", stamp, recordID)))
	return hex.EncodeToString(hash[:4])
}

// FormatNumber formats an integer with comma separators
func FormatNumber(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := n < 0
	if neg {
		s = s[1:]
	}
	if len(s) <= 3 {
		if neg {
			return "-" + s
		}
		return s
	}

	// Add commas from right to left
	var result []byte
	for i, digit := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(digit))
	}
	if neg {
		return "-" + string(result)
	}
	return string(result)
}

// FormatBytes formats bytes into human-readable format
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
