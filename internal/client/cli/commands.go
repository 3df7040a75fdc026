package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dmitrijs2005/attachkit/internal/client/models"
	"github.com/dmitrijs2005/attachkit/internal/client/services"
)

// ErrUsage is returned for malformed command lines.
var ErrUsage = errors.New("usage error")

const usage = `Available commands:
  send <file> [-type mime] [-caption s] [-album id] [-kind t] [-blurhash h]
  fetch <id>...
  show <id>
  export <id>
  pointer [-restore] <json|->
  locate <id> <json|->
  blurhash <id> <hash>
  rm <id>
  rm-album <albumId> [-y]
  reconcile
  resume`

// Run executes one command. args excludes the global flags.
func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(a.out, usage)
		return ErrUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "help", "-h", "--help":
		fmt.Fprintln(a.out, usage)
		return nil
	case "send":
		return a.send(ctx, rest)
	case "fetch":
		return a.fetch(ctx, rest)
	case "show":
		return a.show(ctx, rest)
	case "export":
		return a.export(ctx, rest)
	case "pointer":
		return a.pointer(ctx, rest)
	case "locate":
		return a.locate(ctx, rest)
	case "blurhash":
		return a.blurHash(ctx, rest)
	case "rm":
		return a.remove(ctx, rest)
	case "rm-album":
		return a.removeAlbum(ctx, rest)
	case "reconcile":
		return a.reconcile(ctx)
	case "resume":
		return a.resume(ctx)
	default:
		fmt.Fprintln(a.out, "Unknown command:", cmd)
		fmt.Fprintln(a.out, usage)
		return ErrUsage
	}
}

func (a *App) send(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	contentType := fs.String("type", "", "content type (detected when empty)")
	caption := fs.String("caption", "", "caption")
	album := fs.String("album", "", "album (message) id")
	kind := fs.String("kind", string(models.AttachmentTypeDefault), "default|voice_message|borderless|gif")
	blurHash := fs.String("blurhash", "", "placeholder shown until the content is available")

	path, err := parseWithPositional(fs, args, 1)
	if err != nil {
		fmt.Fprintln(a.out, "Usage: send <file> [-type mime] [-caption s] [-album id] [-kind t] [-blurhash h]")
		return err
	}

	data, err := os.ReadFile(path[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", path[0], err)
	}

	opts := services.OutgoingOptions{
		SourceFilename: filepath.Base(path[0]),
		AttachmentType: models.AttachmentType(*kind),
	}
	if *caption != "" {
		opts.Caption = caption
	}
	if *album != "" {
		opts.AlbumID = album
	}
	if *blurHash != "" {
		opts.BlurHash = blurHash
	}

	ct := *contentType
	if ct == "" {
		ct = contentTypeByExtension(path[0])
	}

	id, err := a.manager.CreateOutgoing(ctx, data, ct, opts)
	if err != nil {
		return err
	}

	rec, err := a.manager.EnqueueUpload(ctx, id).Wait(ctx)
	a.progress.finish(id)
	if err != nil {
		fmt.Fprintf(a.out, "%s\t%s\n", id, "upload failed")
		return err
	}
	fmt.Fprintf(a.out, "%s\t%s\tcdn=%d\tkey=%s\n", rec.ID, rec.State, rec.CDNNumber, rec.CDNKey)
	return nil
}

func (a *App) fetch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		fmt.Fprintln(a.out, "Usage: fetch <id>...")
		return ErrUsage
	}

	futures := make([]*services.Future, len(ids))
	for i, id := range ids {
		futures[i] = a.manager.EnqueueDownload(ctx, id)
	}

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for i, f := range futures {
		wg.Add(1)
		go func(id string, f *services.Future) {
			defer wg.Done()
			rec, err := f.Wait(ctx)
			a.progress.finish(id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fmt.Fprintf(a.out, "%s\tfailed: %v\n", id, err)
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				return
			}
			fmt.Fprintf(a.out, "%s\t%s\t%s\n", rec.ID, rec.State, a.manager.Store().BlobPath(rec))
		}(ids[i], f)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (a *App) show(ctx context.Context, args []string) error {
	if len(args) != 1 {
		fmt.Fprintln(a.out, "Usage: show <id>")
		return ErrUsage
	}

	d, err := a.manager.ResolveDisplayable(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "ID:           %s\n", d.ID)
	fmt.Fprintf(a.out, "State:        %s\n", d.State)
	fmt.Fprintf(a.out, "Content type: %s\n", d.ContentType)
	if rec, err := a.manager.Store().Get(ctx, d.ID); err == nil {
		fmt.Fprintf(a.out, "Kind:         %s %s\n", rec.Emoji(), rec.AttachmentType)
	}
	if hints := renderHints(d); hints != "" {
		fmt.Fprintf(a.out, "Render:       %s\n", hints)
	}
	fmt.Fprintf(a.out, "Size:         %s\n", humanBytes(int64(d.ByteCount)))
	if d.Caption != nil {
		fmt.Fprintf(a.out, "Caption:      %s\n", *d.Caption)
	}
	if d.Placeholder {
		blur := ""
		if d.BlurHash != nil {
			blur = *d.BlurHash
		}
		fmt.Fprintf(a.out, "Placeholder:  %s\n", orDash(blur))
	} else {
		fmt.Fprintf(a.out, "Path:         %s\n", d.LocalPath)
	}
	return nil
}

// PointerJSON is the wire shape of an attachment reference as carried in a
// message. Key and digest are base64 encoded.
type PointerJSON struct {
	ServerID        uint64  `json:"server_id,omitempty"`
	CDNKey          string  `json:"cdn_key"`
	CDNNumber       uint32  `json:"cdn_number"`
	Bucket          string  `json:"bucket,omitempty"`
	Credential      string  `json:"credential,omitempty"`
	Key             []byte  `json:"key"`
	Digest          []byte  `json:"digest"`
	Size            uint32  `json:"size"`
	ContentType     string  `json:"content_type"`
	FileName        string  `json:"file_name,omitempty"`
	Caption         *string `json:"caption,omitempty"`
	AlbumID         *string `json:"album_id,omitempty"`
	BlurHash        *string `json:"blur_hash,omitempty"`
	Type            string  `json:"type,omitempty"`
	UploadTimestamp uint64  `json:"upload_timestamp,omitempty"`
}

// export prints the pointer a recipient needs for an uploaded stream.
func (a *App) export(ctx context.Context, args []string) error {
	if len(args) != 1 {
		fmt.Fprintln(a.out, "Usage: export <id>")
		return ErrUsage
	}

	rec, err := a.manager.Store().Get(ctx, args[0])
	if err != nil {
		return err
	}
	if rec.State != models.StateStreamUploaded {
		return fmt.Errorf("%s is %s, not uploaded", rec.ID, rec.State)
	}

	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(PointerJSON{
		ServerID:        rec.ServerID,
		CDNKey:          rec.CDNKey,
		CDNNumber:       rec.CDNNumber,
		Bucket:          rec.Bucket,
		Credential:      rec.Credential,
		Key:             rec.EncryptionKey,
		Digest:          rec.Digest,
		Size:            rec.ByteCount,
		ContentType:     rec.ContentType,
		FileName:        rec.SourceFilename,
		Caption:         rec.Caption,
		AlbumID:         rec.AlbumID,
		BlurHash:        rec.BlurHash,
		Type:            string(rec.AttachmentType),
		UploadTimestamp: rec.UploadTimestamp,
	})
}

func (a *App) pointer(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("pointer", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	restore := fs.Bool("restore", false, "register a backup entry without CDN coordinates")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(a.out, "Usage: pointer [-restore] <json|->")
		return fmt.Errorf("%w: %w", ErrUsage, err)
	}

	var p PointerJSON
	if err := a.readPointer(fs.Args(), &p); err != nil {
		if errors.Is(err, ErrUsage) {
			fmt.Fprintln(a.out, "Usage: pointer [-restore] <json|->")
		}
		return err
	}

	var (
		id  string
		err error
	)
	if *restore {
		id, err = a.manager.RegisterRestorePointer(ctx, models.RestoreParams{
			ContentType:    p.ContentType,
			EncryptionKey:  p.Key,
			Digest:         p.Digest,
			ByteCount:      p.Size,
			SourceFilename: p.FileName,
			Caption:        p.Caption,
			AlbumID:        p.AlbumID,
		})
	} else {
		id, err = a.manager.RegisterPointer(ctx, models.PointerParams{
			ServerID:       p.ServerID,
			CDNKey:         p.CDNKey,
			CDNNumber:      p.CDNNumber,
			Bucket:         p.Bucket,
			Credential:     p.Credential,
			EncryptionKey:  p.Key,
			Digest:         p.Digest,
			ByteCount:      p.Size,
			ContentType:    p.ContentType,
			SourceFilename: p.FileName,
			Caption:        p.Caption,
			AlbumID:        p.AlbumID,
			BlurHash:       p.BlurHash,
			AttachmentType: models.AttachmentType(p.Type),
			UploadTime:     p.UploadTimestamp,
		})
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, id)
	return nil
}

// locate supplies the CDN coordinates of an existing pointer, typically a
// restored one. Only the coordinate fields of the JSON are used.
func (a *App) locate(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		fmt.Fprintln(a.out, "Usage: locate <id> <json|->")
		return ErrUsage
	}

	var p PointerJSON
	if err := a.readPointer(args[1:], &p); err != nil {
		if errors.Is(err, ErrUsage) {
			fmt.Fprintln(a.out, "Usage: locate <id> <json|->")
		}
		return err
	}

	err := a.manager.SupplyCoordinates(ctx, args[0], models.CDNCoordinates{
		ServerID:   p.ServerID,
		Bucket:     p.Bucket,
		CDNKey:     p.CDNKey,
		CDNNumber:  p.CDNNumber,
		Credential: p.Credential,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, "located", args[0])
	return nil
}

// readPointer decodes pointer JSON given inline, as "-" for stdin, or pasted
// at a terminal prompt when args is empty.
func (a *App) readPointer(args []string, p *PointerJSON) error {
	var raw string
	switch {
	case len(args) == 1 && args[0] == "-":
		b, err := io.ReadAll(a.in)
		if err != nil {
			return err
		}
		raw = string(b)
	case len(args) == 1:
		raw = args[0]
	case len(args) == 0 && isTerminal(int(os.Stdin.Fd())):
		var err error
		if raw, err = GetMultiline(a.in, "Paste pointer JSON", a.out); err != nil {
			return err
		}
	default:
		return ErrUsage
	}

	if err := json.Unmarshal([]byte(raw), p); err != nil {
		return fmt.Errorf("pointer json: %w", err)
	}
	return nil
}

func (a *App) blurHash(ctx context.Context, args []string) error {
	if len(args) != 2 {
		fmt.Fprintln(a.out, "Usage: blurhash <id> <hash>")
		return ErrUsage
	}
	if err := a.manager.UpdateBlurHash(ctx, args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "updated", args[0])
	return nil
}

func (a *App) remove(ctx context.Context, args []string) error {
	if len(args) != 1 {
		fmt.Fprintln(a.out, "Usage: rm <id>")
		return ErrUsage
	}
	if err := a.manager.Delete(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "deleted", args[0])
	return nil
}

func (a *App) removeAlbum(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rm-album", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	yes := fs.Bool("y", false, "do not ask for confirmation")

	album, err := parseWithPositional(fs, args, 1)
	if err != nil {
		fmt.Fprintln(a.out, "Usage: rm-album <albumId> [-y]")
		return err
	}

	if !*yes && isTerminal(int(os.Stdin.Fd())) {
		answer, err := GetSimpleText(a.in, fmt.Sprintf("Delete all attachments of %s? [y/N]", album[0]), a.out)
		if err != nil {
			return err
		}
		if !strings.EqualFold(answer, "y") && !strings.EqualFold(answer, "yes") {
			fmt.Fprintln(a.out, "aborted")
			return nil
		}
	}

	ids, err := a.manager.DeleteAlbum(ctx, album[0])
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Fprintln(a.out, "deleted", id)
	}
	return nil
}

func (a *App) reconcile(ctx context.Context) error {
	report, err := a.manager.Reconcile(ctx)
	if report != nil {
		fmt.Fprintf(a.out, "purged records: %d\norphan blobs:   %d\ntemp files:     %d\n",
			len(report.PurgedRecords), len(report.OrphanBlobs), len(report.TempFiles))
	}
	return err
}

func (a *App) resume(ctx context.Context) error {
	futures, err := a.manager.ResumePending(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, f := range futures {
		rec, err := f.Wait(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		a.progress.finish(rec.ID)
		fmt.Fprintf(a.out, "%s\t%s\n", rec.ID, rec.State)
	}
	fmt.Fprintf(a.out, "resumed %d transfers\n", len(futures))
	return errors.Join(errs...)
}

// parseWithPositional parses fs from args where flags may follow the n
// positional arguments.
func parseWithPositional(fs *flag.FlagSet, args []string, n int) ([]string, error) {
	var positional []string
	for len(args) > 0 {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			break
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
	if len(positional) != n {
		return nil, fmt.Errorf("%w: want %d argument(s), got %d", ErrUsage, n, len(positional))
	}
	return positional, nil
}

// contentTypeByExtension returns "" for unknown extensions; the manager
// then sniffs the content.
func contentTypeByExtension(path string) string {
	return mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
}

func renderHints(d models.Displayable) string {
	var hints []string
	if d.VisualMedia {
		hints = append(hints, "visual")
	}
	if d.LoopingVideo {
		hints = append(hints, "looping")
	}
	if d.Borderless {
		hints = append(hints, "borderless")
	}
	if d.OversizeText {
		hints = append(hints, "long-text")
	}
	return strings.Join(hints, ",")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
