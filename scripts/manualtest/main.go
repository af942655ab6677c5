package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/jaywantadh/flashfetch/config"
	"github.com/jaywantadh/flashfetch/internal/downloader"
	"github.com/jaywantadh/flashfetch/internal/flash"
	"github.com/jaywantadh/flashfetch/internal/nvs"
	"github.com/jaywantadh/flashfetch/internal/partition"
	"github.com/jaywantadh/flashfetch/pkg/logging"
)

// Serves a local file over TLS, downloads it into a scratch flash image and
// checks the partition holds the same bytes.
func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./scripts/manualtest <file>")
		return
	}
	inputPath := os.Args[1]
	data, err := os.ReadFile(inputPath)
	if err != nil {
		fmt.Printf("❌ Sample file not found: %v\n", err)
		return
	}
	if len(data) > config.DefaultPartitionSize {
		fmt.Printf("❌ Sample file is %d bytes, partition holds %d\n", len(data), config.DefaultPartitionSize)
		return
	}
	logging.InitLogger(true)

	origSum := blake2b.Sum256(data)
	fmt.Printf("📄 Original file: %s (%d bytes)\n", inputPath, len(data))
	fmt.Printf("🔑 Original BLAKE2b: %s\n", hex.EncodeToString(origSum[:]))

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, filepath.Base(inputPath), time.Now(), bytes.NewReader(data))
	}))
	defer srv.Close()

	work, err := os.MkdirTemp("", "flashfetch-manual")
	if err != nil {
		fmt.Printf("❌ Temp dir failed: %v\n", err)
		return
	}
	defer os.RemoveAll(work)

	dev, err := flash.Create(filepath.Join(work, "flash.bin"), config.DefaultFlashSize)
	if err != nil {
		fmt.Printf("❌ Flash image failed: %v\n", err)
		return
	}
	defer dev.Close()
	tbl, err := partition.Format(dev, partition.DefaultLayout())
	if err != nil {
		fmt.Printf("❌ Partition table failed: %v\n", err)
		return
	}

	store := nvs.New(filepath.Join(work, "nvs"), config.DefaultNVSCapacity)
	if err := nvs.Bringup(store); err != nil {
		fmt.Printf("❌ NVS init failed: %v\n", err)
		return
	}
	defer store.Close()

	opts, err := downloader.OptionsFromConfig(config.Default())
	if err != nil {
		fmt.Printf("❌ Options failed: %v\n", err)
		return
	}
	opts.URL = srv.URL + "/" + filepath.Base(inputPath)
	opts.Transport = srv.Client().Transport

	res := downloader.New(opts, tbl, store, logging.Component(logging.Tag)).Run(context.Background())
	if res.State != downloader.StateDone {
		fmt.Printf("❌ Run ended in %s: %v\n", res.State, res.Err)
		return
	}

	stored := make([]byte, len(data))
	if err := tbl.Read(res.Partition, 0, stored); err != nil {
		fmt.Printf("❌ Reading partition failed: %v\n", err)
		return
	}
	storedSum := blake2b.Sum256(stored)
	fmt.Printf("📦 Partition %q at 0x%x\n", res.Partition.Label, res.Partition.Offset)
	fmt.Printf("🔑 Stored BLAKE2b: %s\n", hex.EncodeToString(storedSum[:]))

	if storedSum == origSum && res.Progress.Digest == hex.EncodeToString(origSum[:]) {
		fmt.Println("✅ SUCCESS: partition matches original")
	} else {
		fmt.Println("❌ MISMATCH: partition differs from original")
	}
}
