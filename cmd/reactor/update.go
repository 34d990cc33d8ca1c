package main

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const releaseAPI = "https://api.github.com/repos/beam-bots/bb-reactor/releases/latest"

func runUpdate(args []string) {
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	skipVerify := fs.Bool("skip-verify", false, "skip SHA-256 checksum verification")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if err := selfUpdate(*skipVerify); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func selfUpdate(skipVerify bool) error {
	fmt.Printf("Current version: %s\n", version)

	release, err := latestRelease()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: cannot check GitHub releases: %v\n", err)
		return goInstallFallback()
	}
	if release == nil {
		fmt.Println("No GitHub releases found")
		return goInstallFallback()
	}

	if version != "dev" && !isNewer(release.TagName, version) {
		fmt.Printf("Already up to date (%s)\n", version)
		return nil
	}
	fmt.Printf("New version available: %s\n", release.TagName)

	assetName, err := platformAssetName()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v — ", err)
		return goInstallFallback()
	}
	asset := release.asset(assetName)
	if asset == nil {
		fmt.Fprintf(os.Stderr, "No binary for %s/%s — ", runtime.GOOS, runtime.GOARCH)
		return goInstallFallback()
	}

	var wantHash string
	if !skipVerify {
		wantHash = fetchChecksum(release, asset.Name)
	}

	self, err := os.Executable()
	if err == nil {
		self, err = filepath.EvalSymlinks(self)
	}
	if err != nil {
		return fmt.Errorf("locate running binary: %w", err)
	}

	fmt.Printf("Downloading %s...\n", asset.Name)
	staged, cleanup, err := stageBinary(asset.BrowserDownloadURL, wantHash)
	if err != nil {
		return fmt.Errorf("download %s: %w", asset.Name, err)
	}
	defer cleanup()

	if err := swapBinary(self, staged); err != nil {
		return fmt.Errorf("replace %s: %w", self, err)
	}
	fmt.Printf("Updated to %s\n", release.TagName)

	stopIfRunning()
	return nil
}

// --- GitHub API ---

type githubRelease struct {
	TagName string        `json:"tag_name"`
	Assets  []githubAsset `json:"assets"`
}

type githubAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// asset returns the named release asset, or nil.
func (r *githubRelease) asset(name string) *githubAsset {
	for i := range r.Assets {
		if r.Assets[i].Name == name {
			return &r.Assets[i]
		}
	}
	return nil
}

func latestRelease() (*githubRelease, error) {
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Get(releaseAPI)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		// Repo has no releases yet.
		return nil, nil
	default:
		return nil, fmt.Errorf("GitHub API returned %d", resp.StatusCode)
	}

	var release githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return nil, err
	}
	return &release, nil
}

// --- Version comparison ---

// isNewer reports whether the release tag supersedes the running version.
// Dev builds and git-describe versions (v1.0.0-3-gabcdef) always update.
func isNewer(remote, local string) bool {
	local = strings.TrimPrefix(local, "v")
	if local == "dev" || strings.Contains(local, "-") {
		return true
	}
	return compareSemver(remote, local) > 0
}

func compareSemver(a, b string) int {
	for i := 0; i < 3; i++ {
		av, bv := semverField(a, i), semverField(b, i)
		switch {
		case av > bv:
			return 1
		case av < bv:
			return -1
		}
	}
	return 0
}

// semverField returns the i-th numeric component of a version string,
// ignoring a leading "v" and any pre-release suffix.
func semverField(v string, i int) int {
	v = strings.TrimPrefix(v, "v")
	fields := strings.SplitN(v, ".", 3)
	if i >= len(fields) {
		return 0
	}
	f, _, _ := strings.Cut(fields[i], "-")
	n, _ := strconv.Atoi(f)
	return n
}

// --- Asset naming ---

// platformAssetName returns the release archive name for this platform,
// e.g. "bb-reactor_Linux_x86_64.tar.gz".
func platformAssetName() (string, error) {
	osNames := map[string]string{"darwin": "Darwin", "linux": "Linux"}
	archNames := map[string]string{"amd64": "x86_64", "arm64": "arm64"}

	osName, ok := osNames[runtime.GOOS]
	if !ok {
		return "", fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}
	archName, ok := archNames[runtime.GOARCH]
	if !ok {
		return "", fmt.Errorf("unsupported arch: %s", runtime.GOARCH)
	}
	return fmt.Sprintf("bb-reactor_%s_%s.tar.gz", osName, archName), nil
}

// --- Checksums ---

// fetchChecksum downloads checksums.txt from the release and returns the
// expected digest for assetName. Any failure downgrades to unverified with
// a warning, for compatibility with releases published before checksums
// existed.
func fetchChecksum(release *githubRelease, assetName string) string {
	cs := release.asset("checksums.txt")
	if cs == nil {
		fmt.Fprintln(os.Stderr, "Warning: release has no checksums.txt — skipping verification")
		return ""
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Get(cs.BrowserDownloadURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: cannot download checksums.txt: %v — skipping verification\n", err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Warning: checksums.txt returned %d — skipping verification\n", resp.StatusCode)
		return ""
	}

	sums, err := parseChecksums(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: cannot parse checksums.txt: %v — skipping verification\n", err)
		return ""
	}
	if sums[assetName] == "" {
		fmt.Fprintf(os.Stderr, "Warning: no checksum for %s — skipping verification\n", assetName)
	}
	return sums[assetName]
}

// parseChecksums reads `shasum -a 256` output: one "<hex>  <filename>"
// pair per line. Lines that do not carry a SHA-256 digest are skipped.
func parseChecksums(r io.Reader) (map[string]string, error) {
	sums := make(map[string]string)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || len(fields[0]) != sha256.Size*2 {
			continue
		}
		sums[fields[len(fields)-1]] = fields[0]
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading checksums: %w", err)
	}
	return sums, nil
}

// fileSHA256 returns the hex SHA-256 digest of the file at path.
func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// --- Download and replace ---

// stageBinary downloads the release archive, verifies it when a digest is
// known, and extracts the reactor binary into a scratch directory. The
// returned cleanup removes that directory.
func stageBinary(url, wantHash string) (binPath string, cleanup func(), err error) {
	dir, err := os.MkdirTemp("", "reactor-update-*")
	if err != nil {
		return "", nil, err
	}
	cleanup = func() { os.RemoveAll(dir) }
	defer func() {
		if err != nil {
			cleanup()
		}
	}()

	archive := filepath.Join(dir, "release.tar.gz")
	if err = download(url, archive); err != nil {
		return "", nil, err
	}

	if wantHash != "" {
		got, hashErr := fileSHA256(archive)
		if hashErr != nil {
			return "", nil, fmt.Errorf("computing checksum: %w", hashErr)
		}
		if got != wantHash {
			return "", nil, fmt.Errorf("checksum mismatch: expected %s, got %s", wantHash, got)
		}
		fmt.Println("Checksum verified")
	}

	f, err := os.Open(archive)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()
	if err = extractTarGz(f, dir, "reactor"); err != nil {
		return "", nil, err
	}

	binPath = filepath.Join(dir, "reactor")
	if err = os.Chmod(binPath, 0o755); err != nil {
		return "", nil, err
	}
	return binPath, cleanup, nil
}

// download fetches url into the file at dest.
func download(url, dest string) error {
	client := &http.Client{Timeout: 120 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// extractTarGz extracts the named file from a tar.gz stream into destDir.
// The archive may nest the file under a directory prefix; matching is by
// base name.
func extractTarGz(r io.Reader, destDir, name string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return fmt.Errorf("file %q not found in archive", name)
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || filepath.Base(hdr.Name) != name {
			continue
		}

		dest := filepath.Join(destDir, name)
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
		if err != nil {
			return fmt.Errorf("create %s: %w", dest, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("write %s: %w", dest, err)
		}
		return out.Close()
	}
}

// swapBinary replaces the running executable with the staged one. When the
// scratch directory sits on another filesystem the staged file is copied
// next to the target first, so the final rename stays atomic and never
// trips ETXTBSY on the live binary.
func swapBinary(self, staged string) error {
	if os.Rename(staged, self) == nil {
		return nil
	}

	data, err := os.ReadFile(staged)
	if err != nil {
		return err
	}
	next := self + ".next"
	if err := os.WriteFile(next, data, 0o755); err != nil {
		return err
	}
	if err := os.Rename(next, self); err != nil {
		os.Remove(next)
		return err
	}
	return nil
}

// --- Restart / fallback ---

// stopIfRunning terminates a live server so the next start picks up the
// new binary.
func stopIfRunning() {
	proc, pid := runningServer()
	if proc == nil {
		fmt.Println("Run `reactor serve` to start the server")
		return
	}

	fmt.Printf("Stopping running server (PID %d)...\n", pid)
	_ = proc.Signal(syscall.SIGTERM)

	// Give it up to 10s to exit.
	for i := 0; i < 100; i++ {
		time.Sleep(100 * time.Millisecond)
		if proc.Signal(syscall.Signal(0)) != nil {
			break
		}
	}
	fmt.Println("Run `reactor serve` to start the updated server")
}

// goInstallFallback updates through the Go toolchain when no usable
// release asset exists.
func goInstallFallback() error {
	goBin, err := exec.LookPath("go")
	if err != nil {
		return fmt.Errorf("no release asset and `go` is not in PATH")
	}

	const pkg = "github.com/beam-bots/bb-reactor/cmd/reactor@latest"
	fmt.Println("Falling back to: go install " + pkg)
	cmd := exec.Command(goBin, "install", pkg)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go install failed: %w", err)
	}

	fmt.Println("Updated via go install")
	stopIfRunning()
	return nil
}
