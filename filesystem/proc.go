package filesystem

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"gitlab.com/tozd/go/errors"
)

// ProcFS views /proc/<pid> of a host process.
func ProcFS(pid int) ReadlinkFS {
	return sysDirFS(fmt.Sprintf("/proc/%d", pid))
}

type Mapping struct {
	Begin, End uint64
	Perms      string
	Offset     uint64
	Path       string
}

// ReadMaps parses the maps file of a process directory.
func ReadMaps(p ReadlinkFS) ([]Mapping, error) {
	f, err := Open(p, "maps")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var list []Mapping
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m, err := parseMapping(sc.Text())
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, sc.Err()
}

func parseMapping(line string) (m Mapping, err error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return m, errors.Errorf("malformed maps line %q", line)
	}
	begin, end, ok := strings.Cut(fields[0], "-")
	if !ok {
		return m, errors.Errorf("malformed maps range %q", fields[0])
	}
	if m.Begin, err = strconv.ParseUint(begin, 16, 64); err != nil {
		return m, errors.WithStack(err)
	}
	if m.End, err = strconv.ParseUint(end, 16, 64); err != nil {
		return m, errors.WithStack(err)
	}
	if m.Offset, err = strconv.ParseUint(fields[2], 16, 64); err != nil {
		return m, errors.WithStack(err)
	}
	m.Perms = fields[1]
	if len(fields) > 5 {
		m.Path = strings.Join(fields[5:], " ")
	}
	return m, nil
}

// FdTarget resolves descriptor fd of the process and reports whether it
// refers to a regular file.
func FdTarget(p ReadlinkFS, fd int) (path string, regular bool, err error) {
	name := "fd/" + strconv.Itoa(fd)
	if path, err = p.Readlink(name); err != nil {
		return "", false, err
	}
	info, err := p.Stat(name)
	if err != nil {
		return path, false, err
	}
	return path, info.Mode().IsRegular(), nil
}
