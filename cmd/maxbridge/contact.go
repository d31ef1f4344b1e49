package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	maxapi "github.com/MasterinoSplinterino/FromMtoT"
	"github.com/spf13/cobra"
)

var (
	// contact
	contactPhone string
	contactJSON  bool

	// download
	downloadVideo   bool
	downloadChat    string
	downloadMessage string
	downloadOut     string
)

func init() {
	contactCmd.Flags().StringVar(&contactPhone, "phone", "", "Look the contact up by phone number")
	contactCmd.Flags().BoolVar(&contactJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(contactCmd)

	downloadCmd.Flags().BoolVar(&downloadVideo, "video", false, "Treat the id as a video id")
	downloadCmd.Flags().StringVar(&downloadChat, "chat", "", "Chat the file was posted in")
	downloadCmd.Flags().StringVar(&downloadMessage, "message", "", "Message the file is attached to")
	downloadCmd.Flags().StringVarP(&downloadOut, "output", "o", "", "Output path (default: server file name in the current directory)")
	rootCmd.AddCommand(downloadCmd)
}

// ============================================================================
// contact
// ============================================================================

var contactCmd = &cobra.Command{
	Use:   "contact [user-id]",
	Short: "Show a contact by user id or phone number",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if contactPhone == "" && len(args) == 0 {
			return fmt.Errorf("a user id or --phone is required")
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		client, _, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		var contact *maxapi.Contact
		if contactPhone != "" {
			contact, err = client.ContactByPhone(ctx, contactPhone)
		} else {
			id, perr := strconv.ParseInt(args[0], 10, 64)
			if perr != nil {
				return fmt.Errorf("invalid user id %q: %w", args[0], perr)
			}
			contact, err = client.Contact(ctx, id)
		}
		if err != nil {
			return fmt.Errorf("lookup failed: %w", err)
		}

		if contactJSON {
			return printJSON(contact)
		}
		fmt.Printf("ID:          %d\n", contact.ID)
		fmt.Printf("Name:        %s\n", contact.DisplayName())
		if contact.Phone != 0 {
			fmt.Printf("Phone:       %d\n", contact.Phone)
		}
		if contact.Description != "" {
			fmt.Printf("Description: %s\n", contact.Description)
		}
		fmt.Printf("Updated:     %s\n", formatMillis(contact.Updated))
		return nil
	},
}

// ============================================================================
// download
// ============================================================================

var downloadCmd = &cobra.Command{
	Use:   "download <id>",
	Short: "Download a file or video attachment",
	Long:  "Download an attachment. Files need --chat and --message; videos are selected with --video.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q: %w", args[0], err)
		}
		if !downloadVideo && (downloadChat == "" || downloadMessage == "") {
			return fmt.Errorf("--chat and --message are required for file downloads")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		client, _, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		var media *maxapi.Media
		if downloadVideo {
			media, err = client.Video(ctx, id)
		} else {
			media, err = client.File(ctx, id, downloadChat, downloadMessage)
		}
		if err != nil {
			return fmt.Errorf("download failed: %w", err)
		}

		path := downloadOut
		if path == "" {
			name := media.FileName
			if name == "" {
				name = fmt.Sprintf("video_%d.mp4", id)
			}
			path = filepath.Base(name)
		}
		if err := os.WriteFile(path, media.Data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		fmt.Printf("Saved %d bytes (%s) to %s\n", len(media.Data), valueOrDefault(media.ContentType, "unknown type"), path)
		return nil
	},
}
