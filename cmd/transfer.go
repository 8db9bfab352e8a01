package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/driftbyte/shardpipe/internal/errors"
	"github.com/driftbyte/shardpipe/internal/transfer"
)

// progressRenderer bridges the transfer progress callback onto a terminal
// progress bar. The bar is created lazily because the total byte count is
// unknown until file info arrives.
type progressRenderer struct {
	bar         *progressbar.ProgressBar
	quiet       bool
	description string
}

func (r *progressRenderer) update(_ float64, transferred, total int64, _ interface{}) {
	if r.quiet || total <= 0 {
		return
	}
	if r.bar == nil {
		r.bar = progressbar.DefaultBytes(total, r.description)
	}
	if transferred > total {
		transferred = total
	}
	_ = r.bar.Set64(transferred)
}

// cancelable is the part of a running transfer the signal handler needs.
type cancelable interface {
	Cancel()
	Wait() errors.Code
}

// waitWithSignals blocks on the transfer, canceling it on the first
// interrupt.
func waitWithSignals(t cancelable) errors.Code {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		if _, ok := <-sigCh; ok {
			fmt.Println("\nCanceling transfer...")
			t.Cancel()
		}
	}()
	code := t.Wait()
	close(sigCh)
	return code
}

var uploadCmd = &cobra.Command{
	Use:   "upload [file-path] [bucket-id]",
	Short: "Upload a file to the farmer network",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		filePath, bucketID := args[0], args[1]

		if _, err := cfg.RequireMasterKey(); err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		file, err := os.Open(filePath)
		if err != nil {
			fmt.Printf("Error opening file: %v\n", err)
			return
		}
		defer file.Close()

		quiet, _ := cmd.Flags().GetBool("quiet")
		dataShards, _ := cmd.Flags().GetInt("data-shards")
		parityShards, _ := cmd.Flags().GetInt("parity-shards")
		if dataShards == 0 {
			dataShards = cfg.DataShards
		}
		if parityShards == 0 {
			parityShards = cfg.ParityShards
		}
		renderer := &progressRenderer{quiet: quiet, description: "uploading"}

		up, err := transferService.StoreFile(context.Background(), transfer.UploadOptions{
			BucketID:     bucketID,
			FileName:     filepath.Base(filePath),
			Source:       file,
			DataShards:   dataShards,
			ParityShards: parityShards,
			Progress:     renderer.update,
		})
		if err != nil {
			fmt.Printf("Error starting upload: %v\n", err)
			return
		}

		if code := waitWithSignals(up); code != errors.TransferOK {
			fmt.Printf("Upload failed: %s\n", code.Message())
			os.Exit(1)
		}
		fmt.Printf("File uploaded successfully: %s\n", filePath)
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download [bucket-id] [file-id] [output-path]",
	Short: "Download a file from the farmer network",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		bucketID, fileID, outputPath := args[0], args[1], args[2]

		if _, err := cfg.RequireMasterKey(); err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		// If output path is a directory, use the file id as the name
		if stat, err := os.Stat(outputPath); err == nil && stat.IsDir() {
			outputPath = filepath.Join(outputPath, fileID)
		}
		if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
			fmt.Printf("Error creating output directory: %v\n", err)
			return
		}
		outFile, err := os.Create(outputPath)
		if err != nil {
			fmt.Printf("Error creating output file: %v\n", err)
			return
		}
		defer outFile.Close()

		quiet, _ := cmd.Flags().GetBool("quiet")
		renderer := &progressRenderer{quiet: quiet, description: "downloading"}

		down, err := transferService.ResolveFile(context.Background(), transfer.DownloadOptions{
			BucketID:    bucketID,
			FileID:      fileID,
			Destination: outFile,
			Progress:    renderer.update,
		})
		if err != nil {
			fmt.Printf("Error starting download: %v\n", err)
			return
		}

		if code := waitWithSignals(down); code != errors.TransferOK {
			fmt.Printf("Download failed: %s\n", code.Message())
			os.Remove(outputPath)
			os.Exit(1)
		}
		fmt.Printf("File downloaded successfully: %s\n", outputPath)
	},
}

func init() {
	uploadCmd.Flags().BoolP("quiet", "q", false, "Suppress progress bars")
	uploadCmd.Flags().Int("data-shards", 0, "Number of data shards (0 = auto)")
	uploadCmd.Flags().Int("parity-shards", 0, "Number of parity shards (0 = auto)")
	downloadCmd.Flags().BoolP("quiet", "q", false, "Suppress progress bars")
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(downloadCmd)
}
