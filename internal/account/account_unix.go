//go:build unix

package account

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

const posixSupported = true

const (
	passwdPath = "/etc/passwd"
	groupPath  = "/etc/group"
)

// enumerateAllowed walks the passwd and group databases and collects account
// names whose primary gid is allowed, plus supplemental members of the
// allowed groups.
func enumerateAllowed() map[string]bool {
	allowed := make(map[int]bool, len(AllowedGIDs))
	for _, gid := range AllowedGIDs {
		allowed[gid] = true
	}

	set := make(map[string]bool)

	forEachLine(passwdPath, func(fields []string) {
		// name:passwd:uid:gid:gecos:home:shell
		if len(fields) < 4 {
			return
		}
		gid, err := strconv.Atoi(fields[3])
		if err != nil {
			return
		}
		if allowed[gid] && fields[0] != "" {
			set[fields[0]] = true
		}
	})

	forEachLine(groupPath, func(fields []string) {
		// name:passwd:gid:member,member
		if len(fields) < 4 {
			return
		}
		gid, err := strconv.Atoi(fields[2])
		if err != nil || !allowed[gid] {
			return
		}
		for _, member := range strings.Split(fields[3], ",") {
			if member = strings.TrimSpace(member); member != "" {
				set[member] = true
			}
		}
	})

	return set
}

func forEachLine(path string, fn func(fields []string)) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fn(strings.Split(line, ":"))
	}
}
