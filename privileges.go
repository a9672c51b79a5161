package main

import (
	"os"
	"os/user"
	"strconv"

	"github.com/sirupsen/logrus"
)

// warnIfUnprivileged flags the common failure mode up front: attaching
// uprobes and loading BPF programs normally needs root (or CAP_BPF plus
// CAP_PERFMON). The attach step still produces the authoritative error
// if capabilities turn out to be sufficient.
func warnIfUnprivileged(log logrus.FieldLogger) {
	if os.Geteuid() != 0 {
		log.Warn("Not running as root; attaching probes will likely fail without CAP_BPF and CAP_PERFMON")
	}
}

// originalUser resolves the user who invoked sudo, if any.
func originalUser() (*user.User, error) {
	sudoUser := os.Getenv("SUDO_USER")
	if sudoUser == "" {
		return nil, os.ErrNotExist
	}
	return user.Lookup(sudoUser)
}

// fixOwnership hands files produced under sudo back to the invoking
// user so trace output and session databases stay readable without
// root. Best effort; failures are only logged.
func fixOwnership(log logrus.FieldLogger, path string) {
	u, err := originalUser()
	if err != nil {
		return
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return
	}
	if err := os.Chown(path, uid, gid); err != nil {
		log.WithError(err).WithField("path", path).Warn("Failed to restore file ownership")
	}
}
