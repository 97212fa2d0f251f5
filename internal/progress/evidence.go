package progress

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// DateLayout is the format of dates in worker log markers.
const DateLayout = "2006-01-02"

var (
	yearFilePattern = regexp.MustCompile(`^(\d{4})\.`)
	logDatePattern  = regexp.MustCompile(`date:\s*(\d{4}-\d{2}-\d{2})`)
)

// CountYearFiles groups the files of dir by their four-digit year prefix and
// returns the counts in ascending year order. A missing or unreadable
// directory yields no years.
func CountYearFiles(dir string) []YearCount {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	counts := make(map[int]int)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := yearFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		year, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		counts[year]++
	}

	years := make([]YearCount, 0, len(counts))
	for year, n := range counts {
		years = append(years, YearCount{Year: year, Count: n})
	}
	sort.Slice(years, func(i, j int) bool { return years[i].Year < years[j].Year })
	return years
}

// LatestLogDate scans the last tailBytes of the log for "date: YYYY-MM-DD"
// markers and returns the chronologically latest one.
func LatestLogDate(path string, tailBytes int64) (time.Time, bool) {
	if path == "" {
		return time.Time{}, false
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return time.Time{}, false
	}

	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, false
	}
	defer f.Close()

	skipFirst := false
	if tailBytes > 0 && info.Size() > tailBytes {
		if _, err := f.Seek(info.Size()-tailBytes, io.SeekStart); err != nil {
			return time.Time{}, false
		}
		skipFirst = true // the first line is probably cut
	}

	return scanLatestDate(f, skipFirst)
}

func scanLatestDate(r io.Reader, skipFirst bool) (time.Time, bool) {
	var latest time.Time
	found := false

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		if skipFirst {
			skipFirst = false
			continue
		}
		for _, m := range logDatePattern.FindAllStringSubmatch(scanner.Text(), -1) {
			d, err := time.Parse(DateLayout, m[1])
			if err != nil {
				continue
			}
			if !found || d.After(latest) {
				latest = d
				found = true
			}
		}
	}
	// A scan error leaves whatever was read before it.
	return latest, found
}
