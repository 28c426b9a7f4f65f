package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"github.com/zipfs-go/zipfs/internal/logging"
)

func defaultCLIFlags(t *testing.T) *cliFlags {
	t.Helper()

	return &cliFlags{
		cacheSize:       defaultCacheSize,
		fdCacheTTL:      defaultCacheTTL,
		forceUnicode:    true,
		mountOpts:       "ro",
		ringBufferSize:  defaultRingBufferSize,
		streamPoolSize:  defaultStreamPool,
		streamThreshold: defaultThreshold,
	}
}

// Expectation: The default configuration should map onto valid filesystem
// options, with the FD limit derived from the OS rlimit.
func Test_buildFSOptions_Defaults_Success(t *testing.T) {
	t.Parallel()
	cli := defaultCLIFlags(t)

	opts, err := buildFSOptions(logging.NewRingBuffer(10, io.Discard), cli)
	require.NoError(t, err)

	require.Positive(t, opts.FDCacheSize)
	require.LessOrEqual(t, opts.FDCacheSize, defaultCacheSize)
	require.Equal(t, time.Duration(defaultCacheTTL)*time.Second, opts.FDCacheTTL)
	require.Positive(t, opts.FDLimit)
	require.False(t, opts.FlatMode)
	require.True(t, opts.ForceUnicode)
	require.False(t, opts.StrictCache)
	require.False(t, opts.FDCacheBypass.Load())
	require.False(t, opts.MustCRC32.Load())
	require.Equal(t, uint64(64*1024*1024), opts.StreamingThreshold.Load())
	require.Equal(t, 128*1024, opts.StreamPoolSize)
}

// Expectation: An explicit FD limit should be honored without derivation.
func Test_buildFSOptions_ExplicitFDLimit_Success(t *testing.T) {
	t.Parallel()
	cli := defaultCLIFlags(t)
	cli.fdLimit = 99

	opts, err := buildFSOptions(logging.NewRingBuffer(10, io.Discard), cli)
	require.NoError(t, err)

	require.Equal(t, 99, opts.FDLimit)
	require.Equal(t, defaultCacheSize, opts.FDCacheSize)
}

// Expectation: Human-readable sizes should be parsed into byte counts.
func Test_buildFSOptions_HumanSizes_Success(t *testing.T) {
	t.Parallel()
	cli := defaultCLIFlags(t)
	cli.streamThreshold = "2MB"
	cli.streamPoolSize = "1000"

	opts, err := buildFSOptions(logging.NewRingBuffer(10, io.Discard), cli)
	require.NoError(t, err)

	require.Equal(t, uint64(2_000_000), opts.StreamingThreshold.Load())
	require.Equal(t, 1000, opts.StreamPoolSize)
}

// Expectation: A zero or negative cache size should be rejected.
func Test_buildFSOptions_InvalidCacheSize_Error(t *testing.T) {
	t.Parallel()

	for _, size := range []int{0, -5} {
		cli := defaultCLIFlags(t)
		cli.cacheSize = size

		_, err := buildFSOptions(logging.NewRingBuffer(10, io.Discard), cli)
		require.Error(t, err)
		require.Contains(t, err.Error(), "cache size")
	}
}

// Expectation: An unparseable streaming threshold should be rejected.
func Test_buildFSOptions_InvalidThreshold_Error(t *testing.T) {
	t.Parallel()
	cli := defaultCLIFlags(t)
	cli.streamThreshold = "lots"

	_, err := buildFSOptions(logging.NewRingBuffer(10, io.Discard), cli)
	require.Error(t, err)
	require.Contains(t, err.Error(), "streaming threshold")
}

// Expectation: An unparseable stream pool size should be rejected.
func Test_buildFSOptions_InvalidPoolSize_Error(t *testing.T) {
	t.Parallel()
	cli := defaultCLIFlags(t)
	cli.streamPoolSize = "some"

	_, err := buildFSOptions(logging.NewRingBuffer(10, io.Discard), cli)
	require.Error(t, err)
	require.Contains(t, err.Error(), "stream pool size")
}

// Expectation: The derived FD budget should be self-consistent.
func Test_fdLimits_Success(t *testing.T) {
	t.Parallel()

	fsLimit, cacheLimit, err := fdLimits()
	require.NoError(t, err)

	require.Positive(t, fsLimit)
	require.Positive(t, cacheLimit)
	require.Less(t, cacheLimit, fsLimit)
}

// Expectation: Recognized -o tokens and boolean flags should canonicalize,
// unsupported tokens should be dropped (and logged), without duplicates.
func Test_parseMountTokens_Success(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		cli  *cliFlags
		want []string
	}{
		{
			name: "default ro only",
			cli:  &cliFlags{mountOpts: "ro"},
			want: []string{},
		},
		{
			name: "tokens from -o",
			cli:  &cliFlags{mountOpts: "ro,allow_other,default_permissions"},
			want: []string{"allow_other", "default_permissions"},
		},
		{
			name: "dashed spelling",
			cli:  &cliFlags{mountOpts: "allow-other"},
			want: []string{"allow_other"},
		},
		{
			name: "boolean flags fold in",
			cli:  &cliFlags{mountOpts: "ro", allowOther: true, defaultPermissions: true},
			want: []string{"allow_other", "default_permissions"},
		},
		{
			name: "no duplicates",
			cli:  &cliFlags{mountOpts: "allow_other,allow_other", allowOther: true},
			want: []string{"allow_other"},
		},
		{
			name: "unknown dropped",
			cli:  &cliFlags{mountOpts: "ro,nosuid,allow_other"},
			want: []string{"allow_other"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			rbuf := logging.NewRingBuffer(10, io.Discard)
			require.Equal(t, tc.want, parseMountTokens(rbuf, tc.cli))
		})
	}
}

// Expectation: Unsupported tokens should leave a trace in the ring buffer.
func Test_parseMountTokens_UnsupportedLogged_Success(t *testing.T) {
	t.Parallel()

	rbuf := logging.NewRingBuffer(10, io.Discard)
	tokens := parseMountTokens(rbuf, &cliFlags{mountOpts: "nodev", allowRoot: true})
	require.Empty(t, tokens)

	logged := strings.Join(rbuf.Lines(), " ")
	require.Contains(t, logged, "allow_root")
	require.Contains(t, logged, "nodev")
	require.Contains(t, logged, "unsupported")
}

// Expectation: The canonical token list should map onto FUSE mount options,
// always carrying the three fixed options.
func Test_mountOptions_Success(t *testing.T) {
	t.Parallel()

	require.Len(t, mountOptions(nil), 3)
	require.Len(t, mountOptions([]string{"allow_other"}), 4)
	require.Len(t, mountOptions([]string{"allow_other", "default_permissions"}), 5)
}

// Expectation: The legacy fd-cache-size spelling should set the cache size flag.
func Test_normalizeFlagAliases_Success(t *testing.T) {
	t.Parallel()
	cli := &cliFlags{}

	cmd := newRootCmd(cli)
	require.NoError(t, cmd.Flags().Parse([]string{"--fd-cache-size", "77"}))

	require.Equal(t, 77, cli.cacheSize)

	require.Equal(t, pflag.NormalizedName("cache-size"),
		normalizeFlagAliases(nil, "fd-cache-size"))
	require.Equal(t, pflag.NormalizedName("verbose"),
		normalizeFlagAliases(nil, "verbose"))
}

// Expectation: A dry run should print the virtual tree without mounting.
func Test_rootCmd_DryRun_Success(t *testing.T) {
	t.Parallel()
	tmp := t.TempDir()

	zipPath := filepath.Join(tmp, "test.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)

	zw := zip.NewWriter(f)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "sub/a.txt", Method: zip.Store})
	require.NoError(t, err)
	_, err = w.Write([]byte("dry run content"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	cli := &cliFlags{}
	cmd := newRootCmd(cli)

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{tmp, filepath.Join(tmp, "unused-mountpoint"), "--dry-run"})

	require.NoError(t, cmd.Execute())

	listing := out.String()
	require.Contains(t, listing, "/test.zip")
	require.Contains(t, listing, "/test.zip/sub")
	require.Contains(t, listing, "/test.zip/sub/a.txt")
}

// Expectation: Too few positional arguments should be rejected.
func Test_rootCmd_MissingArgs_Error(t *testing.T) {
	t.Parallel()
	cli := &cliFlags{}

	cmd := newRootCmd(cli)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"/only-one"})

	require.Error(t, cmd.Execute())
}

// Expectation: An invalid configuration should fail the command.
func Test_rootCmd_InvalidCacheSize_Error(t *testing.T) {
	t.Parallel()
	tmp := t.TempDir()

	cli := &cliFlags{}
	cmd := newRootCmd(cli)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{tmp, filepath.Join(tmp, "mnt"), "--dry-run", "--cache-size", "0"})

	require.Error(t, cmd.Execute())
}