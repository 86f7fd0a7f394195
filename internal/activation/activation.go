// Package activation picks up sockets handed over by systemd so the webhook
// server can be started on demand.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// First file descriptor passed by the service manager (after stdin, stdout
// and stderr).
const firstFD = 3

// Socket is one file descriptor passed through LISTEN_FDS.
type Socket struct {
	FD   int
	Name string
}

// Sockets parses the socket activation environment for process pid. It
// returns nil when the environment is absent or addressed to another process.
func Sockets(getenv func(string) string, pid int) ([]Socket, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}
	listenPID, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if listenPID != pid {
		return nil, nil
	}

	fdsStr := getenv("LISTEN_FDS")
	if fdsStr == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n < 1 {
		return nil, nil
	}

	var names []string
	if v := getenv("LISTEN_FDNAMES"); v != "" {
		names = strings.Split(v, ":")
	}

	sockets := make([]Socket, n)
	for i := range sockets {
		sockets[i].FD = firstFD + i
		if i < len(names) {
			sockets[i].Name = names[i]
		}
	}
	return sockets, nil
}

// Listen returns the activated socket named name, or the first activated
// socket when none carries that name. Without socket activation it listens
// on addr.
func Listen(addr, name string, logger *zap.Logger) (net.Listener, error) {
	sockets, err := Sockets(os.Getenv, os.Getpid())
	if err != nil {
		return nil, err
	}
	if len(sockets) == 0 {
		return net.Listen("tcp", addr)
	}

	// Children must not inherit the activation environment.
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	chosen := pick(sockets, name)
	logger.Info("using socket from systemd activation",
		zap.Int("fd", chosen.FD),
		zap.String("name", chosen.Name),
		zap.Int("passed", len(sockets)))
	return fileListener(chosen)
}

func pick(sockets []Socket, name string) Socket {
	for _, s := range sockets {
		if name != "" && s.Name == name {
			return s
		}
	}
	return sockets[0]
}

func fileListener(s Socket) (net.Listener, error) {
	file := os.NewFile(uintptr(s.FD), "systemd-socket-"+strconv.Itoa(s.FD))
	if file == nil {
		return nil, fmt.Errorf("invalid activated fd %d", s.FD)
	}
	defer func() {
		// net.FileListener dups the descriptor.
		_ = file.Close()
	}()

	l, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", s.FD, err)
	}
	return l, nil
}
