package node

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"lumesync/pkg/model"
	"lumesync/pkg/proto"
)

// Update states reported on the control channel.
const (
	UpdateDownloading = "downloading"
	UpdateVerifying   = "verifying"
	UpdateRebooting   = "rebooting"
	UpdateFailed      = "failed"
)

// Updater executes a firmware update command: download, hash check,
// then hand off to the restart hook. Progress is reported on the
// control channel the whole way.
type Updater struct {
	client *Client
	db     *LocalDB // optional manifest cache
	httpc  *http.Client
	dir    string // image staging directory

	// onApplied restarts into the new image. On hardware this is a
	// reboot; the reference node process re-execs itself.
	onApplied func(version string)
}

// NewUpdater builds an updater. db may be nil.
func NewUpdater(client *Client, db *LocalDB, dir string, onApplied func(version string)) *Updater {
	return &Updater{
		client:    client,
		db:        db,
		httpc:     &http.Client{Timeout: 5 * time.Minute},
		dir:       dir,
		onApplied: onApplied,
	}
}

// Handle runs one update command to completion. Wired as the client's
// OTA callback; runs on its own goroutine.
func (u *Updater) Handle(cmd proto.OTACommand) {
	log.Printf("ota starting version=%s url=%s", cmd.Version, cmd.URL)
	path, err := u.download(cmd)
	if err != nil {
		log.Printf("ota failed version=%s: %v", cmd.Version, err)
		_ = u.client.SendOTAStatus(UpdateFailed, 0, err.Error())
		return
	}

	if u.db != nil {
		_ = u.db.SaveManifest(model.Manifest{
			Version: cmd.Version,
			URL:     cmd.URL,
			SHA256:  cmd.SHA256,
			Size:    cmd.Size,
		})
	}

	_ = u.client.SendOTAStatus(UpdateRebooting, 100, "")
	log.Printf("ota image staged version=%s path=%s", cmd.Version, path)
	if u.onApplied != nil {
		u.onApplied(cmd.Version)
	}
}

func (u *Updater) download(cmd proto.OTACommand) (string, error) {
	_ = u.client.SendOTAStatus(UpdateDownloading, 0, "")

	resp, err := u.httpc.Get(cmd.URL)
	if err != nil {
		return "", fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch image: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(u.dir, 0o755); err != nil {
		return "", err
	}
	path := u.dir + "/fw-" + cmd.Version + ".bin"
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, 32*1024)
	var written int64
	lastPct := -1
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return "", werr
			}
			h.Write(buf[:n])
			written += int64(n)
			if cmd.Size > 0 {
				pct := int(100 * written / cmd.Size)
				if pct != lastPct {
					lastPct = pct
					_ = u.client.SendOTAStatus(UpdateDownloading, pct, "")
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", fmt.Errorf("read image: %w", rerr)
		}
	}

	_ = u.client.SendOTAStatus(UpdateVerifying, 100, "")
	if cmd.Size > 0 && written != cmd.Size {
		return "", fmt.Errorf("size mismatch: got %d want %d", written, cmd.Size)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if sum != cmd.SHA256 {
		return "", fmt.Errorf("sha256 mismatch: got %s", sum)
	}
	return path, nil
}
