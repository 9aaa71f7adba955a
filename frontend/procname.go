package frontend

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	lru "github.com/hashicorp/golang-lru"
)

var ErrProcessGone = errors.New("process not found")

var statusRegex = regexp.MustCompile(`^(Name|PPid|Uid):\s+(\S*)`)

// ProcInfo is what /proc knows about a process at the time it was first seen.
type ProcInfo struct {
	Name string
	Exe  string // empty when the link cannot be read
	PPid int
	UID  int
}

// ProcResolver resolves pids through /proc, caching results in an LRU so that a
// busy reader costs one lookup.
type ProcResolver struct {
	root  string
	cache *lru.Cache
}

func NewProcResolver(root string, size int) (*ProcResolver, error) {
	cache, err := lru.New(max(size, 1))
	if err != nil {
		return nil, fmt.Errorf("failed to create process cache: %w", err)
	}

	return &ProcResolver{root: root, cache: cache}, nil
}

// Lookup returns the info for pid. Processes that are gone are not cached.
func (r *ProcResolver) Lookup(pid uint32) (*ProcInfo, error) {
	if v, ok := r.cache.Get(pid); ok {
		return v.(*ProcInfo), nil
	}

	info, err := r.read(pid)
	if err != nil {
		return nil, err
	}

	r.cache.Add(pid, info)

	return info, nil
}

func (r *ProcResolver) read(pid uint32) (*ProcInfo, error) {
	dir := filepath.Join(r.root, strconv.FormatUint(uint64(pid), 10))

	f, err := os.Open(filepath.Join(dir, "status"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %d", ErrProcessGone, pid)
		}

		return nil, fmt.Errorf("failed to open status of %d: %w", pid, err)
	}
	defer f.Close()

	info := &ProcInfo{PPid: -1, UID: -1}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		matches := statusRegex.FindStringSubmatch(scanner.Text())
		if matches == nil {
			continue
		}

		switch matches[1] {
		case "Name":
			info.Name = matches[2]
		case "PPid":
			info.PPid, err = strconv.Atoi(matches[2])
		case "Uid":
			info.UID, err = strconv.Atoi(matches[2])
		}

		if err != nil {
			return nil, fmt.Errorf("invalid %s %q in status of %d: %w", matches[1], matches[2], pid, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning status of %d: %w", pid, err)
	}

	if exe, err := os.Readlink(filepath.Join(dir, "exe")); err == nil {
		info.Exe = exe
	}

	return info, nil
}
