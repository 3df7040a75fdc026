// Package models defines the attachment record and the value types exchanged
// between the store, the transfer clients and the lifecycle manager.
package models

import (
	"strings"

	"github.com/google/uuid"
)

// Variant distinguishes a remote reference from locally held content.
type Variant string

const (
	// VariantPointer references content that lives only on the CDN.
	VariantPointer Variant = "pointer"
	// VariantStream has its plaintext stored locally.
	VariantStream Variant = "stream"
)

// State is the lifecycle position of an attachment.
type State string

const (
	StatePointerAwaiting State = "pointer_awaiting"
	StateDownloading     State = "downloading"
	StatePointerFailed   State = "pointer_failed"

	StateStreamReady    State = "stream_ready"
	StateStreamLocal    State = "stream_local"
	StateUploading      State = "uploading"
	StateStreamUploaded State = "stream_uploaded"
	StateUploadFailed   State = "upload_failed"
)

// Variant returns the variant a record in state s must have.
func (s State) Variant() Variant {
	switch s {
	case StatePointerAwaiting, StateDownloading, StatePointerFailed:
		return VariantPointer
	default:
		return VariantStream
	}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePointerAwaiting, StateDownloading, StatePointerFailed,
		StateStreamReady, StateStreamLocal, StateUploading, StateStreamUploaded, StateUploadFailed:
		return true
	}
	return false
}

// AttachmentType is the presentation hint attached by the sender.
type AttachmentType string

const (
	AttachmentTypeDefault      AttachmentType = "default"
	AttachmentTypeVoiceMessage AttachmentType = "voice_message"
	AttachmentTypeBorderless   AttachmentType = "borderless"
	AttachmentTypeGIF          AttachmentType = "gif"
)

// Content types with special handling.
const (
	MimeTypeUnknown      = "application/octet-stream"
	MimeTypeOversizeText = "text/x-signal-plain"
	MimeTypeGIF          = "image/gif"
	MimeTypeWebp         = "image/webp"
)

// Attachment is one encrypted media object referenced by messages.
//
// EncryptionKey is set only when the content has existed in encrypted form
// (pointer received, or stream encrypted for upload). A pointer is converted
// to a stream at most once; the store rejects the reverse.
type Attachment struct {
	ID      string
	Variant Variant
	State   State

	// CDN coordinates. Zero values until the content has been uploaded or
	// the pointer was received.
	ServerID   uint64
	CDNKey     string
	CDNNumber  uint32
	Bucket     string
	Credential string

	EncryptionKey []byte
	Digest        []byte

	ContentType    string
	AttachmentType AttachmentType
	ByteCount      uint32
	SourceFilename string

	BlurHash *string
	Caption  *string
	AlbumID  *string

	// UploadTimestamp is unix milliseconds of the successful upload.
	UploadTimestamp uint64

	// LocalName is the blob file name inside the store directory.
	// Generated by the store, never derived from SourceFilename.
	LocalName string

	// CreatedSeq orders records by creation; assigned by the store.
	CreatedSeq int64
}

// Clone returns a deep copy of a.
func (a *Attachment) Clone() *Attachment {
	if a == nil {
		return nil
	}
	c := *a
	c.EncryptionKey = cloneBytes(a.EncryptionKey)
	c.Digest = cloneBytes(a.Digest)
	c.BlurHash = cloneString(a.BlurHash)
	c.Caption = cloneString(a.Caption)
	c.AlbumID = cloneString(a.AlbumID)
	return &c
}

// HasCDNCoordinates reports whether the record can be fetched from the CDN.
// Objects are addressed by key; a server id alone does not locate one.
func (a *Attachment) HasCDNCoordinates() bool {
	return a.CDNKey != ""
}

// SetDefaultContentType fills an empty content type. Only meaningful before
// the record is first saved.
func (a *Attachment) SetDefaultContentType(contentType string) {
	if a.ContentType == "" {
		a.ContentType = contentType
	}
}

// ReplaceUnsavedContentType overwrites the content type of a record that has
// not been persisted yet (CreatedSeq == 0). Returns false otherwise.
func (a *Attachment) ReplaceUnsavedContentType(contentType string) bool {
	if a.CreatedSeq != 0 {
		return false
	}
	a.ContentType = contentType
	return true
}

func (a *Attachment) mime() string {
	ct := strings.ToLower(strings.TrimSpace(a.ContentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}

func (a *Attachment) IsImage() bool { return strings.HasPrefix(a.mime(), "image/") }
func (a *Attachment) IsVideo() bool { return strings.HasPrefix(a.mime(), "video/") }
func (a *Attachment) IsAudio() bool { return strings.HasPrefix(a.mime(), "audio/") }

func (a *Attachment) IsWebpImage() bool { return a.mime() == MimeTypeWebp }

// IsAnimated is true for GIFs, animated WebP declared via the GIF type, and
// looping videos.
func (a *Attachment) IsAnimated() bool {
	switch {
	case a.mime() == MimeTypeGIF:
		return true
	case a.IsWebpImage() && a.AttachmentType == AttachmentTypeGIF:
		return true
	default:
		return a.IsLoopingVideo()
	}
}

// IsLoopingVideo is a video the sender flagged to play like a GIF.
func (a *Attachment) IsLoopingVideo() bool {
	return a.IsVideo() && a.AttachmentType == AttachmentTypeGIF
}

func (a *Attachment) IsVisualMedia() bool {
	return a.IsImage() || a.IsVideo() || a.IsAnimated()
}

func (a *Attachment) IsVoiceMessage() bool {
	return a.AttachmentType == AttachmentTypeVoiceMessage
}

func (a *Attachment) IsBorderless() bool {
	return a.AttachmentType == AttachmentTypeBorderless
}

func (a *Attachment) IsOversizeText() bool { return a.mime() == MimeTypeOversizeText }

// Emoji is the short preview glyph shown in conversation lists.
func (a *Attachment) Emoji() string {
	switch {
	case a.IsAnimated(), a.IsImage():
		return "📷"
	case a.IsVideo():
		return "🎥"
	case a.IsVoiceMessage(), a.IsAudio():
		return "🎤"
	default:
		return "📎"
	}
}

// PointerParams carries the fields of an inbound pointer as received in a
// message.
type PointerParams struct {
	ServerID       uint64
	CDNKey         string
	CDNNumber      uint32
	Bucket         string
	Credential     string
	EncryptionKey  []byte
	Digest         []byte
	ByteCount      uint32
	ContentType    string
	SourceFilename string
	Caption        *string
	AlbumID        *string
	BlurHash       *string
	AttachmentType AttachmentType
	UploadTime     uint64
}

// NewPointer creates a record for content received by reference.
func NewPointer(p PointerParams) *Attachment {
	a := &Attachment{
		ID:              uuid.NewString(),
		Variant:         VariantPointer,
		State:           StatePointerAwaiting,
		ServerID:        p.ServerID,
		CDNKey:          p.CDNKey,
		CDNNumber:       p.CDNNumber,
		Bucket:          p.Bucket,
		Credential:      p.Credential,
		EncryptionKey:   cloneBytes(p.EncryptionKey),
		Digest:          cloneBytes(p.Digest),
		ByteCount:       p.ByteCount,
		ContentType:     p.ContentType,
		SourceFilename:  p.SourceFilename,
		Caption:         cloneString(p.Caption),
		AlbumID:         cloneString(p.AlbumID),
		BlurHash:        cloneString(p.BlurHash),
		AttachmentType:  orDefaultType(p.AttachmentType),
		UploadTimestamp: p.UploadTime,
	}
	a.SetDefaultContentType(MimeTypeUnknown)
	return a
}

// RestoreParams carries what a backup keeps of an attachment: key material
// and descriptive fields, but no CDN coordinates.
type RestoreParams struct {
	ID             string
	ContentType    string
	EncryptionKey  []byte
	Digest         []byte
	ByteCount      uint32
	SourceFilename string
	Caption        *string
	AlbumID        *string
}

// NewRestorePointer creates a pointer for content restored from a backup.
// It cannot be downloaded until coordinates are supplied.
func NewRestorePointer(p RestoreParams) *Attachment {
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	a := &Attachment{
		ID:             id,
		Variant:        VariantPointer,
		State:          StatePointerAwaiting,
		EncryptionKey:  cloneBytes(p.EncryptionKey),
		Digest:         cloneBytes(p.Digest),
		ByteCount:      p.ByteCount,
		ContentType:    p.ContentType,
		SourceFilename: p.SourceFilename,
		Caption:        cloneString(p.Caption),
		AlbumID:        cloneString(p.AlbumID),
		AttachmentType: AttachmentTypeDefault,
	}
	a.SetDefaultContentType(MimeTypeUnknown)
	return a
}

// OutgoingParams describes locally produced content before encryption.
type OutgoingParams struct {
	ContentType    string
	ByteCount      uint32
	SourceFilename string
	Caption        *string
	AlbumID        *string
	BlurHash       *string
	AttachmentType AttachmentType
}

// NewOutgoingStream creates a stream record for content created on this
// device. Key and digest are filled in by the caller after encryption.
func NewOutgoingStream(p OutgoingParams) *Attachment {
	a := &Attachment{
		ID:             uuid.NewString(),
		Variant:        VariantStream,
		State:          StateStreamLocal,
		ContentType:    p.ContentType,
		ByteCount:      p.ByteCount,
		SourceFilename: p.SourceFilename,
		Caption:        cloneString(p.Caption),
		AlbumID:        cloneString(p.AlbumID),
		BlurHash:       cloneString(p.BlurHash),
		AttachmentType: orDefaultType(p.AttachmentType),
	}
	a.SetDefaultContentType(MimeTypeUnknown)
	return a
}

func orDefaultType(t AttachmentType) AttachmentType {
	if t == "" {
		return AttachmentTypeDefault
	}
	return t
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
