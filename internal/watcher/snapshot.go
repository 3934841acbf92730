package watcher

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// writeTreeSnapshot atomically writes t to path.
func writeTreeSnapshot(path string, t *Tree) error {
	var buf bytes.Buffer
	if _, err := t.WriteTo(&buf); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// readTreeSnapshot loads a tree written by writeTreeSnapshot. ok is false when
// the file is missing or cannot be parsed.
func readTreeSnapshot(path, root string) (*Tree, bool) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close() //nolint:errcheck // Read-only

	t, err := ReadTree(root, f)
	if err != nil {
		return nil, false
	}
	return t, true
}

// cursor is a daemon-side position plus the wall clock at which it was taken.
type cursor struct {
	Position string
	Taken    time.Time
}

// writeCursor atomically writes "<position>\n<unix nanos>\n" to path.
func writeCursor(path string, c cursor) error {
	data := c.Position + "\n" + strconv.FormatInt(c.Taken.UnixNano(), 10) + "\n"
	if err := writeFileAtomic(path, []byte(data)); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// readCursor loads a cursor written by writeCursor. A file holding only the
// position line is accepted with a zero time. ok is false when the file is
// missing or empty.
func readCursor(path string) (cursor, bool) {
	f, err := os.Open(path)
	if err != nil {
		return cursor{}, false
	}
	defer f.Close() //nolint:errcheck // Read-only

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return cursor{}, false
	}
	c := cursor{Position: strings.TrimSpace(sc.Text())}
	if c.Position == "" {
		return cursor{}, false
	}
	if sc.Scan() {
		if ns, err := strconv.ParseInt(strings.TrimSpace(sc.Text()), 10, 64); err == nil {
			c.Taken = time.Unix(0, ns)
		}
	}
	return c, true
}
