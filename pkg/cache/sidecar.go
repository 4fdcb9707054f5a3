package cache

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"time"
)

// writeSidecar records type/cache-level/mode/size/mtime/transfer_time/
// source beside the cache entry so a worker restarting against the same
// workspace can resume without refetching (§4.3).
func (c *Cache) writeSidecar(e *Entry) error {
	path := c.ws.CachePath(e.Name) + ".meta"
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cache: write sidecar %q: %w", e.Name, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "type %d\n", e.Type)
	fmt.Fprintf(w, "cache_level %d\n", e.CacheLevel)
	fmt.Fprintf(w, "mode %o\n", e.Mode.Perm())
	fmt.Fprintf(w, "size %d\n", e.SizeBytes)
	fmt.Fprintf(w, "mtime %d\n", e.MTime.Unix())
	fmt.Fprintf(w, "transfer_time_us %d\n", e.TransferTime.Microseconds())
	fmt.Fprintf(w, "source %s\n", e.Source)
	return w.Flush()
}

func (c *Cache) readSidecar(name string) (*Entry, error) {
	path := c.ws.CachePath(name) + ".meta"
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	e := &Entry{Name: name}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var key, value string
		fmt.Sscanf(sc.Text(), "%s %s", &key, &value)
		switch key {
		case "type":
			if n, err := strconv.Atoi(value); err == nil {
				e.Type = Type(n)
			}
		case "cache_level":
			if n, err := strconv.Atoi(value); err == nil {
				e.CacheLevel = CacheLevel(n)
			}
		case "mode":
			if n, err := strconv.ParseUint(value, 8, 32); err == nil {
				e.Mode = os.FileMode(n)
			}
		case "size":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				e.SizeBytes = n
			}
		case "mtime":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				e.MTime = time.Unix(n, 0)
			}
		case "transfer_time_us":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				e.TransferTime = time.Duration(n) * time.Microsecond
			}
		case "source":
			e.Source = value
		}
	}
	return e, sc.Err()
}
