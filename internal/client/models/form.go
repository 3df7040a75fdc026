package models

// UploadForm is a single-use signed upload authorization issued by the
// application server.
type UploadForm struct {
	Policy     string
	Credential string
	Key        string
	Bucket     string
	ServerID   uint64
}

// CDNCoordinates locate an uploaded object.
type CDNCoordinates struct {
	ServerID   uint64
	Bucket     string
	CDNKey     string
	CDNNumber  uint32
	Credential string
}

// Coordinates returns the CDN location recorded on a.
func (a *Attachment) Coordinates() CDNCoordinates {
	return CDNCoordinates{
		ServerID:   a.ServerID,
		Bucket:     a.Bucket,
		CDNKey:     a.CDNKey,
		CDNNumber:  a.CDNNumber,
		Credential: a.Credential,
	}
}

// ApplyCoordinates copies c onto a.
func (a *Attachment) ApplyCoordinates(c CDNCoordinates) {
	a.ServerID = c.ServerID
	a.Bucket = c.Bucket
	a.CDNKey = c.CDNKey
	a.CDNNumber = c.CDNNumber
	a.Credential = c.Credential
}

// Displayable is what the presentation layer receives for an attachment.
// It never carries key material or CDN credentials.
type Displayable struct {
	ID          string
	ContentType string
	// LocalPath is the plaintext file; empty while Placeholder is set.
	LocalPath   string
	Placeholder bool
	BlurHash    *string
	Caption     *string
	ByteCount   uint32
	State       State

	// Rendering hints derived from content and attachment type.
	VisualMedia  bool
	LoopingVideo bool
	Borderless   bool
	OversizeText bool
}
