// ABOUTME: Release build orchestrator for CVD bundles and CDIFF patches
// ABOUTME: Sequential pipeline: count, manifest, pack, sign, diff, verify

package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/hikmaai-io/hikmaai-sigforge/internal/cdiff"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/cvd"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/dsig"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/manifest"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/notify"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/observability"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/patch"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/release"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/sigs"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/tarball"
	"github.com/hikmaai-io/hikmaai-sigforge/internal/types"
)

// ErrNoVersion indicates neither a previous release nor an explicit
// version was available.
var ErrNoVersion = errors.New("no previous release found, a version must be given")

// ErrPatchRejected indicates the generated patch failed verification
// and was renamed aside.
var ErrPatchRejected = errors.New("generated patch failed verification")

// Options parameterises a release build.
type Options struct {
	// Dir is the signature directory to publish.
	Dir string

	// Output is the CVD path to write, e.g. "daily.cvd".
	Output string

	// Version forces the new version. Zero derives previous+1.
	Version uint32

	// Previous is a prior CVD bundle or unpacked snapshot used for the
	// version lookup and the incremental patch. Empty consults the
	// release ledger; with no ledger entry either, no patch is built.
	Previous string

	// EngineLevel is the functionality level stamped into the header.
	EngineLevel uint32

	// Builder is the identity written into the header.
	Builder string

	// Sign obtains detached signatures; typically the remote signing
	// client's Sign method.
	Sign cdiff.SignFunc

	// EmitUnlink enables UNLINK emission for files dropped since the
	// previous version.
	EmitUnlink bool

	// Ledger records the release when non-nil, and supplies the
	// previous version when Previous is empty.
	Ledger *release.Ledger

	// Hooks are dispatched through Pool after a successful build.
	Hooks []notify.Hook

	// Pool runs the hooks. Required when Hooks is non-empty.
	Pool *notify.Pool

	// Logger receives progress and advisory warnings.
	Logger *slog.Logger
}

// Result describes what a build produced.
type Result struct {
	Record     release.Record
	ScriptPath string
	CDiffPath  string
}

// Run executes the build pipeline. On patch verification failure the
// script is renamed to <name>.broken and ErrPatchRejected returned; the
// CVD itself is already on disk and valid at that point.
func Run(ctx context.Context, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Sign == nil {
		return nil, fmt.Errorf("build: no signing function configured")
	}

	stem := types.StemOf(filepath.Base(opts.Output))
	buildID := uuid.NewString()
	logger = logger.With(slog.String("build_id", buildID), slog.String("stem", stem))

	ctx, span := observability.StartSpan(ctx, "build.run")
	defer span.End()

	// Stage 1: preflight and signature counting.
	if _, err := os.Stat(filepath.Join(opts.Dir, types.LicenseFileName)); err != nil {
		return nil, observability.NewErrorContext("BUILD_NO_LICENSE", observability.CategoryUserError, "build_preflight").
			WithError(fmt.Errorf("%s not found in %s", types.LicenseFileName, opts.Dir))
	}

	summary, err := sigs.Load(opts.Dir)
	if err != nil {
		return nil, observability.NewErrorContext("BUILD_LOAD_FAILED", observability.CategoryUserError, "build_load").WithError(err)
	}
	if summary.Total != summary.Lines {
		logger.Warn("signature count differs from raw line count, check for stray files",
			slog.Uint64("signatures", uint64(summary.Total)),
			slog.Uint64("lines", uint64(summary.Lines)))
	}
	if summary.Duplicates > 0 {
		logger.Warn("duplicate detection names in database",
			slog.Uint64("duplicates", uint64(summary.Duplicates)))
	}
	logger.Info("signatures loaded", slog.Uint64("total", uint64(summary.Total)))

	// Stage 2: previous version lookup.
	prev, err := resolvePrevious(ctx, opts, stem)
	if err != nil {
		return nil, err
	}

	version := opts.Version
	if version == 0 {
		if prev == nil {
			return nil, ErrNoVersion
		}
		version = prev.version + 1
	}
	if prev != nil && summary.Total > prev.sigs {
		logger.Info("new signatures since previous release",
			slog.Uint64("new", uint64(summary.Total-prev.sigs)))
	}

	// Stage 3: manifest.
	now := time.Now()
	skeleton := &cvd.Header{
		BuildTime: cvd.FormatBuildTime(now),
		Version:   version,
		Sigs:      summary.Total,
		FuncLevel: opts.EngineLevel,
	}
	if err := manifest.Write(opts.Dir, stem, skeleton.Prefix()); err != nil {
		return nil, observability.NewErrorContext("BUILD_MANIFEST_FAILED", observability.CategoryPermanent, "build_manifest").WithError(err)
	}

	// Stage 4: pack the payload in memory.
	_, packSpan := observability.StartSpan(ctx, "build.pack")
	var payload bytes.Buffer
	if err := tarball.PackDir(&payload, opts.Dir, packList()); err != nil {
		packSpan.End()
		return nil, observability.NewErrorContext("BUILD_PACK_FAILED", observability.CategoryPermanent, "build_pack").WithError(err)
	}
	packSpan.End()

	// Stage 5: hash and sign.
	digest, err := dsig.HashStream(types.AlgorithmMD5, bytes.NewReader(payload.Bytes()))
	if err != nil {
		return nil, err
	}
	sig, err := opts.Sign(digest)
	if err != nil {
		return nil, observability.NewErrorContext("BUILD_SIGN_FAILED", observability.CategoryTransient, "build_sign").WithError(err)
	}

	// Stage 6: serialise the header once and write the bundle.
	h := &cvd.Header{
		BuildTime: skeleton.BuildTime,
		Version:   version,
		Sigs:      summary.Total,
		FuncLevel: opts.EngineLevel,
		MD5:       digest.Value,
		DSig:      sig,
		Builder:   opts.Builder,
		CreatedAt: now.Unix(),
	}
	if err := cvd.WriteBundle(opts.Output, h, bytes.NewReader(payload.Bytes())); err != nil {
		return nil, observability.NewErrorContext("BUILD_WRITE_FAILED", observability.CategoryPermanent, "build_write").WithError(err)
	}
	logger.Info("bundle written",
		slog.String("path", opts.Output),
		slog.Uint64("version", uint64(version)),
		slog.String("md5", digest.Value))

	result := &Result{
		Record: release.Record{
			BuildID:   buildID,
			Stem:      stem,
			Version:   version,
			Sigs:      summary.Total,
			FuncLevel: opts.EngineLevel,
			MD5:       digest.Value,
			Builder:   opts.Builder,
			BuiltAt:   now.UTC(),
			CVDPath:   opts.Output,
		},
	}

	// Stage 7: incremental patch against the previous snapshot.
	if prev != nil && prev.snapshot != "" {
		cdiffPath, scriptPath, err := buildPatch(ctx, opts, prev, stem, version, logger)
		result.ScriptPath = scriptPath
		if err != nil {
			return result, err
		}
		result.CDiffPath = cdiffPath
		result.Record.PatchPath = cdiffPath
	}

	// Stage 8: record and announce.
	if opts.Ledger != nil {
		if err := opts.Ledger.Put(ctx, &result.Record); err != nil {
			return result, err
		}
	}
	if len(opts.Hooks) > 0 && opts.Pool != nil {
		opts.Pool.Dispatch(ctx, opts.Hooks, notify.Announcement{
			Stem:      stem,
			Version:   version,
			Sigs:      summary.Total,
			FuncLevel: opts.EngineLevel,
			MD5:       digest.Value,
			BuildID:   buildID,
			BuiltAt:   now.UTC(),
		})
	}

	return result, nil
}

// previous captures what is known about the prior release.
type previous struct {
	version uint32
	sigs    uint32

	// snapshot is a directory or CVD path usable for diffing; empty
	// when only the version is known (ledger without surviving files).
	snapshot string
}

// resolvePrevious finds the prior version from an explicit reference,
// or the ledger. A nil result means a genuinely fresh start.
func resolvePrevious(ctx context.Context, opts Options, stem string) (*previous, error) {
	if opts.Previous != "" {
		fi, err := os.Stat(opts.Previous)
		if err != nil {
			return nil, fmt.Errorf("stat previous %s: %w", opts.Previous, err)
		}
		if fi.IsDir() {
			m, err := manifest.Read(filepath.Join(opts.Previous, types.InfoName(stem)))
			if err != nil {
				return nil, err
			}
			v, err := m.Version()
			if err != nil {
				return nil, err
			}
			s, err := m.Sigs()
			if err != nil {
				return nil, err
			}
			return &previous{version: v, sigs: s, snapshot: opts.Previous}, nil
		}

		h, err := cvd.ReadHeader(opts.Previous)
		if err != nil {
			return nil, err
		}
		return &previous{version: h.Version, sigs: h.Sigs, snapshot: opts.Previous}, nil
	}

	if opts.Ledger != nil {
		rec, err := opts.Ledger.Latest(ctx, stem)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			p := &previous{version: rec.Version, sigs: rec.Sigs}
			if rec.CVDPath != "" {
				if _, err := os.Stat(rec.CVDPath); err == nil {
					p.snapshot = rec.CVDPath
				}
			}
			return p, nil
		}
	}

	return nil, nil
}

// buildPatch diffs the previous snapshot against the freshly built
// bundle, verifies the script, and wraps it into a CDIFF.
func buildPatch(ctx context.Context, opts Options, prev *previous, stem string, version uint32, logger *slog.Logger) (cdiffPath, scriptPath string, err error) {
	_, span := observability.StartSpan(ctx, "build.patch")
	defer span.End()

	oldDir, cleanupOld, err := snapshotDir(prev.snapshot)
	if err != nil {
		return "", "", err
	}
	defer cleanupOld()

	newDir, err := os.MkdirTemp("", "sigforge-new-")
	if err != nil {
		return "", "", fmt.Errorf("creating scratch directory: %w", err)
	}
	defer os.RemoveAll(newDir)
	if err := cvd.Unpack(opts.Output, newDir); err != nil {
		return "", "", err
	}

	scriptPath = filepath.Join(filepath.Dir(opts.Output), fmt.Sprintf("%s-%d.script", stem, version))
	script, err := os.OpenFile(scriptPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", "", fmt.Errorf("creating %s: %w", scriptPath, err)
	}
	if err := patch.DiffDirs(script, oldDir, newDir, patch.DiffOptions{EmitUnlink: opts.EmitUnlink}); err != nil {
		script.Close()
		os.Remove(scriptPath)
		return "", "", err
	}
	if err := script.Close(); err != nil {
		return "", "", fmt.Errorf("closing %s: %w", scriptPath, err)
	}

	if err := VerifyPatch(scriptPath, oldDir, stem); err != nil {
		broken := scriptPath + ".broken"
		if renameErr := os.Rename(scriptPath, broken); renameErr != nil {
			os.Remove(scriptPath)
			logger.Error("incorrect patch removed", slog.Any("error", err))
		} else {
			logger.Error("incorrect patch renamed aside",
				slog.String("path", broken), slog.Any("error", err))
		}
		return "", scriptPath, fmt.Errorf("%w: %v", ErrPatchRejected, err)
	}

	cdiffPath = filepath.Join(filepath.Dir(opts.Output), fmt.Sprintf("%s-%d.cdiff", stem, version))
	if err := cdiff.Pack(scriptPath, cdiffPath, version, opts.Sign); err != nil {
		return "", scriptPath, err
	}
	logger.Info("patch written", slog.String("path", cdiffPath))
	return cdiffPath, scriptPath, nil
}

// snapshotDir materialises the previous snapshot as a directory,
// unpacking CVD references into a scratch directory.
func snapshotDir(ref string) (dir string, cleanup func(), err error) {
	fi, err := os.Stat(ref)
	if err != nil {
		return "", nil, fmt.Errorf("stat %s: %w", ref, err)
	}
	if fi.IsDir() {
		return ref, func() {}, nil
	}

	scratch, err := os.MkdirTemp("", "sigforge-old-")
	if err != nil {
		return "", nil, fmt.Errorf("creating scratch directory: %w", err)
	}
	if err := cvd.Unpack(ref, scratch); err != nil {
		os.RemoveAll(scratch)
		return "", nil, err
	}
	return scratch, func() { os.RemoveAll(scratch) }, nil
}

// packList is every filename a bundle may carry, in pack order.
func packList() []string {
	names := []string{types.LicenseFileName}
	for _, stem := range types.DatabasePrefixes {
		for _, ext := range types.DatabaseExtensions {
			names = append(names, stem+"."+ext)
		}
	}
	return names
}
