package wireproto

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// TreeItemKind distinguishes the four productions of the §6.2 grammar.
type TreeItemKind int

const (
	TreeFile TreeItemKind = iota
	TreeSymlink
	TreeDir
	TreeError
)

// WriteTree streams the *contents* of the directory localRoot over w using
// the recursive transfer protocol's stream production:
//
//	stream := item*
//	item   := file | symlink | dir | error
//	file   := "file " NAME " " SIZE " 0" OCTAL_MODE "\n" <SIZE bytes>
//	symlink:= "symlink " NAME " " LEN "\n" <LEN bytes of target path>
//	dir    := "dir " NAME " 0\n" stream "end\n"
//	error  := "error " NAME " " ERRNO "\n"
//
// It does not write the leading "dir NAME\n" line for localRoot itself —
// that belongs to whichever protocol message (§6.1 "dir NAME", §4.10 peer
// transfer "get") is carrying the stream — but it does write the
// terminating "end\n" that marks the end of the item list, matching
// ReadTree's expectation.
func WriteTree(w io.Writer, localRoot string) error {
	entries, err := os.ReadDir(localRoot)
	if err != nil {
		return fmt.Errorf("write_tree: read %q: %w", localRoot, err)
	}
	for _, e := range entries {
		if err := writeTreeNode(w, localRoot, e.Name()); err != nil {
			return err
		}
	}
	_, err = fmt.Fprint(w, "end\n")
	return err
}

func writeTreeNode(w io.Writer, localRoot, relName string) error {
	fullPath := localRoot
	if relName != "" {
		fullPath = filepath.Join(localRoot, relName)
	}
	info, err := os.Lstat(fullPath)
	if err != nil {
		_, werr := fmt.Fprintf(w, "error %s %d\n", encodeName(relName), errnoOf(err))
		return werr
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(fullPath)
		if err != nil {
			_, werr := fmt.Fprintf(w, "error %s %d\n", encodeName(relName), errnoOf(err))
			return werr
		}
		if _, err := fmt.Fprintf(w, "symlink %s %d\n%s", encodeName(relName), len(target), target); err != nil {
			return err
		}
		return nil

	case info.IsDir():
		entries, err := os.ReadDir(fullPath)
		if err != nil {
			_, werr := fmt.Fprintf(w, "error %s %d\n", encodeName(relName), errnoOf(err))
			return werr
		}
		if _, err := fmt.Fprintf(w, "dir %s 0\n", encodeName(relName)); err != nil {
			return err
		}
		for _, e := range entries {
			child := e.Name()
			if relName != "" {
				child = relName + "/" + e.Name()
			}
			if err := writeTreeNode(w, localRoot, child); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprint(w, "end\n"); err != nil {
			return err
		}
		return nil

	default:
		f, err := os.Open(fullPath)
		if err != nil {
			_, werr := fmt.Fprintf(w, "error %s %d\n", encodeName(relName), errnoOf(err))
			return werr
		}
		defer f.Close()
		if _, err := fmt.Fprintf(w, "file %s %d 0%o\n", encodeName(relName), info.Size(), info.Mode().Perm()); err != nil {
			return err
		}
		if _, err := io.CopyN(w, f, info.Size()); err != nil {
			return fmt.Errorf("write_tree: copy %q: %w", relName, err)
		}
		return nil
	}
}

func errnoOf(err error) int {
	if os.IsNotExist(err) {
		return 2 // ENOENT
	}
	if os.IsPermission(err) {
		return 13 // EACCES
	}
	return 1 // EPERM, generic
}

// ReadTree reads a recursive-transfer stream from r and materializes its
// items directly under localRoot (the mirror image of WriteTree — it does
// not expect a wrapping "dir"/"end" pair for localRoot itself, only the
// "end\n" that terminates the stream). NAME must not contain ".."
// segments (§6.2); any violation aborts with an error, leaving partially
// written files in place for the caller to clean up.
func ReadTree(r *bufio.Reader, localRoot string) error {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read_tree: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "end" {
			return nil
		}
		if line == "" {
			continue
		}
		if err := readTreeItem(r, localRoot, line); err != nil {
			return err
		}
	}
}

func readTreeItem(r *bufio.Reader, localRoot, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return fmt.Errorf("read_tree: empty item line")
	}
	switch fields[0] {
	case "file":
		if len(fields) < 4 {
			return fmt.Errorf("read_tree: malformed file line %q", line)
		}
		name, size, mode, err := parseNameSizeMode(fields[1], fields[2], fields[3])
		if err != nil {
			return err
		}
		dest, err := safeJoin(localRoot, name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return fmt.Errorf("read_tree: mkdir for %q: %w", name, err)
		}
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(mode))
		if err != nil {
			return fmt.Errorf("read_tree: create %q: %w", name, err)
		}
		_, cerr := io.CopyN(out, r, size)
		cerr2 := out.Close()
		if cerr != nil {
			return fmt.Errorf("read_tree: copy %q: %w", name, cerr)
		}
		if cerr2 != nil {
			return fmt.Errorf("read_tree: close %q: %w", name, cerr2)
		}
		return nil

	case "symlink":
		if len(fields) < 3 {
			return fmt.Errorf("read_tree: malformed symlink line %q", line)
		}
		name, err := url.QueryUnescape(fields[1])
		if err != nil {
			return fmt.Errorf("read_tree: bad symlink name encoding: %w", err)
		}
		n, err := strconv.Atoi(fields[2])
		if err != nil {
			return fmt.Errorf("read_tree: bad symlink length %q: %w", fields[2], err)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("read_tree: read symlink target: %w", err)
		}
		dest, err := safeJoin(localRoot, name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return fmt.Errorf("read_tree: mkdir for %q: %w", name, err)
		}
		_ = os.Remove(dest)
		if err := os.Symlink(string(buf), dest); err != nil {
			return fmt.Errorf("read_tree: symlink %q: %w", name, err)
		}
		return nil

	case "dir":
		if len(fields) < 2 {
			return fmt.Errorf("read_tree: malformed dir line %q", line)
		}
		name, err := url.QueryUnescape(fields[1])
		if err != nil {
			return fmt.Errorf("read_tree: bad dir name encoding: %w", err)
		}
		dest, err := safeJoin(localRoot, name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dest, 0755); err != nil {
			return fmt.Errorf("read_tree: mkdir %q: %w", name, err)
		}
		return ReadTree(r, localRoot)

	case "error":
		if len(fields) < 3 {
			return fmt.Errorf("read_tree: malformed error line %q", line)
		}
		name, _ := url.QueryUnescape(fields[1])
		return fmt.Errorf("read_tree: remote reported errno %s for %q", fields[2], name)

	default:
		return fmt.Errorf("read_tree: unknown item %q", fields[0])
	}
}

func parseNameSizeMode(nameField, sizeField, modeField string) (string, int64, uint64, error) {
	name, err := url.QueryUnescape(nameField)
	if err != nil {
		return "", 0, 0, fmt.Errorf("read_tree: bad name encoding: %w", err)
	}
	size, err := strconv.ParseInt(sizeField, 10, 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("read_tree: bad size %q: %w", sizeField, err)
	}
	mode, err := strconv.ParseUint(modeField, 8, 32)
	if err != nil {
		return "", 0, 0, fmt.Errorf("read_tree: bad mode %q: %w", modeField, err)
	}
	return name, size, mode, nil
}

func safeJoin(root, name string) (string, error) {
	if name == ".." || strings.Contains(name, "../") || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("read_tree: path escape in %q", name)
	}
	return filepath.Join(root, name), nil
}
