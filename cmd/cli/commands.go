package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/jaywantadh/flashfetch/config"
	"github.com/jaywantadh/flashfetch/internal/downloader"
	"github.com/jaywantadh/flashfetch/internal/flash"
	"github.com/jaywantadh/flashfetch/internal/nvs"
	"github.com/jaywantadh/flashfetch/internal/partition"
	"github.com/jaywantadh/flashfetch/pkg/logging"
)

func loadConfig(c *cli.Context) (*config.AppConfig, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	if cfg.Debug {
		logging.InitLogger(true)
	}
	return cfg, nil
}

func openTable(path string) (*flash.Device, *partition.Table, error) {
	dev, err := flash.Open(path)
	if err != nil {
		return nil, nil, err
	}
	tbl, err := partition.Load(dev)
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	return dev, tbl, nil
}

// runAction is fire-and-forget: an aborted download is logged, not returned.
// Only a storage bring-up failure stops the process.
func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log := logging.Component(logging.Tag)

	log.Info("Initializing NVS flash...")
	store := nvs.New(cfg.NVSPath, cfg.NVSCapacity)
	if err := nvs.Bringup(store); err != nil {
		logging.Log.Fatalf("NVS init failed: %v", err)
	}
	defer store.Close()

	dev, tbl, err := openTable(cfg.FlashImage)
	if err != nil {
		return err
	}
	defer dev.Close()

	opts, err := downloader.OptionsFromConfig(*cfg)
	if err != nil {
		return err
	}
	res := downloader.New(opts, tbl, store, log).Run(c.Context)
	log.WithField("state", res.State.String()).Debug("Run finished")
	return nil
}

func mkimageAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	out := c.String("output")
	if out == "" {
		out = cfg.FlashImage
	}
	size := c.Int64("size")
	if size == 0 {
		size = cfg.FlashSize
	}
	if _, err := os.Stat(out); err == nil && !c.Bool("force") {
		return fmt.Errorf("%s already exists, use --force to overwrite", out)
	}
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return fmt.Errorf("failed to create image directory: %w", err)
	}

	dev, err := flash.Create(out, size)
	if err != nil {
		return err
	}
	defer dev.Close()

	tbl, err := partition.Format(dev, partition.DefaultLayout())
	if err != nil {
		return err
	}
	if c.Bool("with-partition") {
		if _, err := tbl.Add(cfg.PartitionName, partition.TypeData, partition.SubtypeDataFAT, cfg.PartitionSize); err != nil {
			return err
		}
	}

	logging.Log.Infof("✅ Flash image written to %s (%d bytes, %d partitions)", out, size, len(tbl.Partitions()))
	return nil
}

func partitionsAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	dev, tbl, err := openTable(cfg.FlashImage)
	if err != nil {
		return err
	}
	defer dev.Close()

	w := c.App.Writer
	fmt.Fprintf(w, "%-16s %-5s %-9s %-8s %-8s\n", "LABEL", "TYPE", "SUBTYPE", "OFFSET", "SIZE")
	for _, p := range tbl.Partitions() {
		fmt.Fprintln(w, p.String())
	}
	return nil
}

func dumpAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	dev, tbl, err := openTable(cfg.FlashImage)
	if err != nil {
		return err
	}
	defer dev.Close()

	label := c.String("partition")
	if label == "" {
		label = cfg.PartitionName
	}
	p, ok := tbl.Find(partition.TypeAny, partition.SubtypeAny, label)
	if !ok {
		return fmt.Errorf("partition %q not in table", label)
	}
	n := c.Int64("length")
	if n <= 0 || n > int64(p.Size) {
		n = int64(p.Size)
	}

	f, err := os.Create(c.String("output"))
	if err != nil {
		return fmt.Errorf("failed to create dump file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, io.NewSectionReader(partitionReader{tbl, p}, 0, n)); err != nil {
		return fmt.Errorf("failed to dump partition: %w", err)
	}
	logging.Log.Infof("Dumped %d bytes of %q to %s", n, label, c.String("output"))
	return nil
}

// partitionReader exposes one partition as an io.ReaderAt.
type partitionReader struct {
	tbl *partition.Table
	p   *partition.Partition
}

func (r partitionReader) ReadAt(buf []byte, off int64) (int, error) {
	if off >= int64(r.p.Size) {
		return 0, io.EOF
	}
	if rem := int64(r.p.Size) - off; int64(len(buf)) > rem {
		buf = buf[:rem]
	}
	if err := r.tbl.Read(r.p, off, buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func statusAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	// status is read-only: a store that was never brought up is not created.
	if _, err := os.Stat(cfg.NVSPath); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(c.App.Writer, "No download recorded yet")
		return nil
	}
	store := nvs.New(cfg.NVSPath, 0)
	if err := store.Init(); err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.LastRecord()
	if errors.Is(err, nvs.ErrNoRecord) {
		fmt.Fprintln(c.App.Writer, "No download recorded yet")
		return nil
	}
	if err != nil {
		return err
	}

	w := c.App.Writer
	fmt.Fprintf(w, "Run:        %s\n", rec.RunID)
	fmt.Fprintf(w, "State:      %s\n", rec.State)
	fmt.Fprintf(w, "URL:        %s\n", rec.URL)
	fmt.Fprintf(w, "Partition:  %s\n", rec.Partition)
	fmt.Fprintf(w, "Bytes:      %d in %d writes (%d failed)\n", rec.Bytes, rec.Writes, rec.WriteErrors)
	fmt.Fprintf(w, "Digest:     %s\n", rec.Digest)
	fmt.Fprintf(w, "Finished:   %s\n", time.Unix(rec.FinishedAt, 0).Format(time.RFC3339))
	return nil
}
