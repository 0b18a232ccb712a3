package main

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"
)

var errNoSudoUser = errors.New("SUDO_USER environment variable not found")

// sudoIDs returns the uid and gid of the user who invoked sudo.
func sudoIDs(lookup func(string) (*user.User, error)) (uid, gid int, err error) {
	name := os.Getenv("SUDO_USER")
	if name == "" {
		return 0, 0, errNoSudoUser
	}
	u, err := lookup(name)
	if err != nil {
		return 0, 0, fmt.Errorf("could not get original user: %w", err)
	}
	if uid, err = strconv.Atoi(u.Uid); err != nil {
		return 0, 0, fmt.Errorf("invalid uid %q: %w", u.Uid, err)
	}
	if gid, err = strconv.Atoi(u.Gid); err != nil {
		return 0, 0, fmt.Errorf("invalid gid %q: %w", u.Gid, err)
	}
	return uid, gid, nil
}

// dropPrivileges switches to the user who invoked sudo. Attached programs
// and the open ring buffer stay usable afterwards.
func dropPrivileges() error {
	uid, gid, err := sudoIDs(user.Lookup)
	if err != nil {
		return err
	}
	if err := syscall.Setgroups([]int{gid}); err != nil {
		return fmt.Errorf("could not drop supplementary groups: %w", err)
	}
	// Group first, setgid fails once the uid is no longer root.
	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("could not drop group privileges: %w", err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("could not drop user privileges: %w", err)
	}
	return nil
}
