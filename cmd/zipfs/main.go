/*
zipfs is a read-only FUSE filesystem that mirrors another filesystem,
presenting its contained ZIP archives as regular, browseable directories.
*/
package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/zipfs-go/zipfs/internal/dashboard"
	"github.com/zipfs-go/zipfs/internal/filesystem"
	"github.com/zipfs-go/zipfs/internal/logging"
)

const (
	daemonLog        = "/var/log/zipfs.log"
	stackTraceBuffer = 1 << 24

	defaultCacheSize      = 1024
	defaultCacheTTL       = 300 // seconds
	defaultRingBufferSize = 200
	defaultStreamPool     = "128KiB"
	defaultThreshold      = "64MiB"
)

// Version is the program version (filled in from the Makefile).
var Version string

// cliFlags carries the parsed command line configuration of the daemon.
type cliFlags struct {
	allowOther         bool
	allowRoot          bool
	defaultPermissions bool
	dryRun             bool
	fdCacheBypass      bool
	flattenZips        bool
	forceUnicode       bool
	mustCRC32          bool
	strictCache        bool
	verbose            bool

	cacheSize      int
	fdCacheTTL     int
	fdLimit        int
	ringBufferSize int

	mountOpts       string
	streamPoolSize  string
	streamThreshold string
	webserver       string
}

func main() {
	cli := &cliFlags{}

	if err := newRootCmd(cli).Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the cobra command for the daemon, wiring all flags.
//
// The mount helper hands over fstab keys verbatim as long-form flags, so
// every key it recognizes needs a flag of the same name here (or, as with
// "fd-cache-size", an alias normalized onto its canonical flag).
func newRootCmd(cli *cliFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:          helpTextUse,
		Short:        helpTextShort,
		Long:         helpTextLong,
		Version:      Version,
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return mountAndServe(cmd, cli, args[0], args[1])
		},
	}

	fl := cmd.Flags()

	fl.IntVarP(&cli.cacheSize, "cache-size", "c", defaultCacheSize,
		"maximum amount of concurrently cached ZIP readers")
	fl.StringVarP(&cli.mountOpts, "mount-options", "o", "ro",
		"comma-separated mount options (ro is always enforced)")

	fl.BoolVar(&cli.allowOther, "allow-other", false,
		"allow other users to access the mounted filesystem")
	fl.BoolVar(&cli.allowRoot, "allow-root", false,
		"accepted for compatibility; logged and ignored (not supported)")
	fl.BoolVar(&cli.defaultPermissions, "default-permissions", false,
		"let the kernel enforce the reported permission bits")
	fl.BoolVar(&cli.dryRun, "dry-run", false,
		"walk and print the virtual tree instead of mounting")
	fl.BoolVar(&cli.fdCacheBypass, "fd-cache-bypass", false,
		"bypass the ZIP reader cache, opening fresh readers per access")
	fl.BoolVar(&cli.flattenZips, "flatten-zips", false,
		"present ZIP archives as flattened single-level directories")
	fl.BoolVar(&cli.forceUnicode, "force-unicode", true,
		"salvage or generate valid names for non-UTF8 ZIP members")
	fl.BoolVar(&cli.mustCRC32, "must-crc32", false,
		"force integrity checking on every ZIP member read")
	fl.BoolVar(&cli.strictCache, "strict-cache", false,
		"shown on the dashboard; does not change caching behavior")
	fl.BoolVar(&cli.verbose, "verbose", false,
		"log filesystem events to standard error as well")

	fl.IntVar(&cli.fdCacheTTL, "fd-cache-ttl", defaultCacheTTL,
		"seconds after which an unused cached ZIP reader is evicted")
	fl.IntVar(&cli.fdLimit, "fd-limit", 0,
		"maximum amount of concurrently open ZIP file descriptors (0 = derive from rlimit)")
	fl.IntVar(&cli.ringBufferSize, "ring-buffer-size", defaultRingBufferSize,
		"log lines retained in memory for the diagnostics dashboard")

	fl.StringVar(&cli.streamPoolSize, "stream-pool-size", defaultStreamPool,
		"size of the reusable buffers backing streamed reads")
	fl.StringVar(&cli.streamThreshold, "stream-threshold", defaultThreshold,
		"file size at which ZIP members stream from disk instead of memory")
	fl.StringVar(&cli.webserver, "webserver", "",
		"address to serve the diagnostics dashboard on (disabled when empty)")

	fl.SetNormalizeFunc(normalizeFlagAliases)

	return cmd
}

// normalizeFlagAliases folds legacy flag spellings onto their canonical names.
func normalizeFlagAliases(f *pflag.FlagSet, name string) pflag.NormalizedName {
	if name == "fd-cache-size" {
		name = "cache-size"
	}

	return pflag.NormalizedName(name)
}

// buildFSOptions converts the command line configuration into
// [filesystem.Options]. When no FD limit was given, one is derived from
// the OS rlimit; the cache size is clamped to stay within that budget.
func buildFSOptions(rbuf *logging.RingBuffer, cli *cliFlags) (*filesystem.Options, error) {
	if cli.cacheSize <= 0 {
		return nil, fmt.Errorf("cache size must be greater than zero (got %d)", cli.cacheSize)
	}

	poolSize, err := humanize.ParseBytes(cli.streamPoolSize)
	if err != nil {
		return nil, fmt.Errorf("invalid stream pool size %q: %w", cli.streamPoolSize, err)
	}

	threshold, err := humanize.ParseBytes(cli.streamThreshold)
	if err != nil {
		return nil, fmt.Errorf("invalid streaming threshold %q: %w", cli.streamThreshold, err)
	}

	cacheSize := cli.cacheSize
	fdLimit := cli.fdLimit

	if fdLimit <= 0 {
		fsLimit, cacheLimit, err := fdLimits()
		if err != nil {
			return nil, fmt.Errorf("cannot derive fd limits: %w", err)
		}
		fdLimit = fsLimit

		if cacheSize > cacheLimit {
			rbuf.Printf("Clamping cache size to %d (rlimit budget)\n", cacheLimit)
			cacheSize = cacheLimit
		}
	}

	opts := &filesystem.Options{
		FDCacheSize:    cacheSize,
		FDCacheTTL:     time.Duration(cli.fdCacheTTL) * time.Second,
		FDLimit:        fdLimit,
		FlatMode:       cli.flattenZips,
		ForceUnicode:   cli.forceUnicode,
		StreamPoolSize: int(poolSize), //nolint:gosec
		StrictCache:    cli.strictCache,
	}
	opts.FDCacheBypass.Store(cli.fdCacheBypass)
	opts.MustCRC32.Store(cli.mustCRC32)
	opts.StreamingThreshold.Store(threshold)

	return opts, nil
}

func mountAndServe(cmd *cobra.Command, cli *cliFlags, rootDir, mountDir string) error {
	rbuf := logging.NewRingBuffer(cli.ringBufferSize, logWriter(cli.verbose))
	rbuf.Printf("zipfs %s\n", Version)

	opts, err := buildFSOptions(rbuf, cli)
	if err != nil {
		rbuf.Printf("Configuration error: %v\n", err)

		return err
	}

	zpfs, err := filesystem.NewFS(rootDir, opts, rbuf)
	if err != nil {
		rbuf.Printf("Filesystem error: %v\n", err)

		return err
	}
	defer zpfs.Cleanup()
	defer zpfs.HaltPurgeCache()

	if cli.dryRun {
		return dryWalkFS(cmd.OutOrStdout(), zpfs)
	}

	conn, err := fuse.Mount(mountDir, mountOptions(parseMountTokens(rbuf, cli))...)
	if err != nil {
		rbuf.Printf("Mount error: %v\n", err)

		return err
	}
	defer conn.Close()
	defer fuse.Unmount(mountDir) //nolint:errcheck

	signalMountReady()
	setupSignalHandlers(rbuf, mountDir)

	var wg sync.WaitGroup
	var serveErr error

	wg.Go(func() {
		serveErr = fs.Serve(conn, zpfs)
	})

	if cli.webserver != "" {
		dash, err := dashboard.NewFSDashboard(zpfs, rbuf, Version)
		if err != nil {
			rbuf.Printf("Dashboard error: %v\n", err)

			return err
		}
		srv := dash.Serve(cli.webserver)
		defer srv.Close()
	}

	wg.Wait()

	if serveErr != nil {
		rbuf.Printf("FS serve error: %v\n", serveErr)

		return serveErr
	}

	return nil
}
