package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/zipfs-go/zipfs/internal/filesystem"
	"github.com/zipfs-go/zipfs/internal/logging"
	"golang.org/x/sys/unix"
)

// fdLimits derives sane file descriptor bounds from the OS rlimit: half of
// the soft limit for the filesystem at large, and 70% of that for the cache.
//
//nolint:mnd,err113,nonamedreturns
func fdLimits() (fsLimit int, cacheLimit int, err error) {
	var rlim unix.Rlimit

	if e := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); e != nil {
		return 0, 0, fmt.Errorf("failed to get rlimit: %w", e)
	}

	if rlim.Cur == unix.RLIM_INFINITY {
		rlim.Cur = 1 << 20
	}

	if rlim.Cur == 0 {
		return 0, 0, fmt.Errorf("got invalid rlimit: %d", rlim.Cur)
	}

	if rlim.Cur > math.MaxInt {
		return 0, 0, fmt.Errorf("rlimit too large: %d", rlim.Cur)
	}

	osLimit := int(rlim.Cur)
	fsLimit = osLimit / 2             // 50% of OS limit
	cacheLimit = (fsLimit * 70) / 100 // 70% of FS limit

	if fsLimit < 1 || cacheLimit < 1 {
		return 0, 0, fmt.Errorf("calculations too small (soft=%d)", osLimit)
	}

	return fsLimit, cacheLimit, nil
}

// logWriter selects where filesystem events are logged to. The daemon log
// file (overridable through ZIPFS_LOG, e.g. by the mount helper's mlog
// option) is preferred, as the mount helper detaches us from any terminal;
// when it is not writeable, or verbose operation was requested, standard
// error is used (as well).
func logWriter(verbose bool) io.Writer {
	logPath := daemonLog
	if p := os.Getenv("ZIPFS_LOG"); p != "" {
		logPath = p
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return os.Stderr
	}

	if verbose {
		return io.MultiWriter(f, os.Stderr)
	}

	return f
}

// parseMountTokens canonicalizes the comma-separated -o token list, folding
// the standalone boolean flags in. Tokens the FUSE library cannot express
// are logged and dropped; "ro" is accepted silently (the mount is always
// read-only regardless).
func parseMountTokens(rbuf *logging.RingBuffer, cli *cliFlags) []string {
	seen := make(map[string]bool)
	tokens := make([]string, 0)

	add := func(tok string) {
		if !seen[tok] {
			seen[tok] = true
			tokens = append(tokens, tok)
		}
	}

	if cli.allowOther {
		add("allow_other")
	}
	if cli.defaultPermissions {
		add("default_permissions")
	}
	if cli.allowRoot {
		rbuf.Printf("Ignoring unsupported mount option: %q\n", "allow_root")
	}

	for _, tok := range strings.Split(cli.mountOpts, ",") {
		tok = strings.TrimSpace(tok)
		tok = strings.ReplaceAll(tok, "-", "_")

		switch tok {
		case "", "ro":
			continue

		case "allow_other", "default_permissions":
			add(tok)

		default:
			rbuf.Printf("Ignoring unsupported mount option: %q\n", tok)
		}
	}

	return tokens
}

// mountOptions maps the canonical token list to FUSE mount options. The
// filesystem name and read-only mode are not negotiable.
func mountOptions(tokens []string) []fuse.MountOption {
	opts := []fuse.MountOption{
		fuse.ReadOnly(),
		fuse.FSName("zipfs"),
		fuse.Subtype("zipfs"),
	}

	for _, tok := range tokens {
		switch tok {
		case "allow_other":
			opts = append(opts, fuse.AllowOther())

		case "default_permissions":
			opts = append(opts, fuse.DefaultPermissions())
		}
	}

	return opts
}

func setupSignalHandlers(rbuf *logging.RingBuffer, mountDir string) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer recoverSignalsPanic()
		for range sig {
			rbuf.Println("Signal received, unmounting the filesystem...")

			if err := fuse.Unmount(mountDir); err != nil {
				rbuf.Printf("Unmount error: %v (try again later)\n", err)

				continue
			}

			return
		}
	}()

	sig1 := make(chan os.Signal, 1)
	signal.Notify(sig1, syscall.SIGUSR1)
	go func() {
		defer recoverSignalsPanic()
		for range sig1 {
			rbuf.Println("Signal received, forcing garbage collection...")
			runtime.GC()
			debug.FreeOSMemory()
		}
	}()

	sig2 := make(chan os.Signal, 1)
	signal.Notify(sig2, syscall.SIGUSR2)
	go func() {
		defer recoverSignalsPanic()
		for range sig2 {
			rbuf.Println("Signal received, printing stacktrace to standard error...")
			buf := make([]byte, stackTraceBuffer)
			stacklen := runtime.Stack(buf, true)
			os.Stderr.Write(buf[:stacklen])
		}
	}()
}

// dryWalkFS prints every node of the virtual tree to w, without mounting.
// A SIGINT or SIGTERM cancels the walk.
func dryWalkFS(w io.Writer, zpfs *filesystem.FS) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer recoverSignalsPanic()
		for range sig {
			cancel()
		}
	}()

	err := zpfs.Walk(ctx, func(path string, _ *fuse.Dirent, _ fs.Node, attr fuse.Attr) error {
		fmt.Fprintf(w, "%d:%s\n", attr.Inode, path)

		return nil
	})
	if err == nil {
		return nil
	}

	for {
		unwrapped := errors.Unwrap(err)
		if unwrapped == nil {
			// Return the deepest error, and not the whole chain.
			// The node-produced error messages will show the details.
			return fmt.Errorf("fs walk error: %w", err)
		}
		err = unwrapped
	}
}

// signalMountReady notifies a waiting mount helper (if any) that the
// filesystem is mounted, by writing a byte to the inherited pipe.
func signalMountReady() {
	fdStr := os.Getenv("ZIPFS_HELPER_FD")
	if fdStr == "" {
		return
	}

	fd, err := strconv.Atoi(fdStr)
	if err != nil || fd < 3 {
		return
	}

	f := os.NewFile(uintptr(fd), "mount-helper-pipe")
	if f == nil {
		return
	}

	_, _ = f.Write([]byte{'1'})
	_ = f.Close()
}

func recoverSignalsPanic() {
	r := recover()
	if r != nil {
		fmt.Fprintf(os.Stderr, "(signals) PANIC: %v\n", r)
		debug.PrintStack()
	}
}
