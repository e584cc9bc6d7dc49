package session

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/danmuck/mfpsync/internal/protocol/frame"
	"github.com/danmuck/mfpsync/internal/protocol/schema"
	"github.com/danmuck/mfpsync/internal/protocol/tlv"
	"github.com/google/uuid"
)

// SyncRequest field tags.
const (
	ReqTagAPIVersion     uint16 = 1
	ReqTagClientRevision uint16 = 2
	ReqTagUsername       uint16 = 3
	ReqTagPassword       uint16 = 4
	ReqTagFlags          uint16 = 5
	ReqTagDeviceID       uint16 = 6
	ReqTagToken          uint16 = 7
	ReqTagMarker         uint16 = 8
	ReqTagPointers       uint16 = 9
)

// SyncResult field tags.
const (
	ResTagStatus          uint16 = 1
	ResTagErrorMessage    uint16 = 2
	ResTagExtraMessage    uint16 = 3
	ResTagMasterID        uint16 = 4
	ResTagFlags           uint16 = 5
	ResTagExpectedPackets uint16 = 6
	ResTagMarker          uint16 = 7
	ResTagToken           uint16 = 8
	ResTagPointers        uint16 = 9
)

// SyncRequest flag bits.
const (
	RequestFlagAuthOnly int64 = 0x1
)

// SyncResult flag bits.
const (
	ResultFlagMoreData         int64 = 0x1
	ResultFlagUpgradeAvailable int64 = 0x2
)

// Status is the SyncResult status code.
type Status int64

const (
	StatusOK                   Status = 0
	StatusInvalidRegistration  Status = 1
	StatusAuthenticationFailed Status = 2
	StatusAccountLocked        Status = 3
	StatusUnsupportedVersion   Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInvalidRegistration:
		return "invalid_registration"
	case StatusAuthenticationFailed:
		return "authentication_failed"
	case StatusAccountLocked:
		return "account_locked"
	case StatusUnsupportedVersion:
		return "unsupported_version"
	default:
		return fmt.Sprintf("status(%d)", int64(s))
	}
}

var (
	ErrMissingResult   = errors.New("session: response does not start with a sync result")
	ErrMissingStatus   = errors.New("session: sync result missing status")
	ErrPacketCount     = errors.New("session: packet count mismatch")
	ErrUnexpectedKind  = errors.New("session: unexpected packet kind")
	ErrMarkerRegressed = errors.New("session: marker points back to an earlier page")
)

// MalformedResponseError reports a response that frames correctly but does
// not follow the sync exchange.
type MalformedResponseError struct {
	Offset int
	Err    error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response at offset %d: %v", e.Offset, e.Err)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

// SyncRequest is the client->server request packet. Password is only sent
// on login; Token on every later request.
type SyncRequest struct {
	APIVersion     int64
	ClientRevision int64
	Username       string
	Password       string
	Flags          int64
	DeviceID       uuid.UUID
	Token          string
	Marker         string
	Pointers       map[string]string
}

// Frame builds the request body. Empty optional fields are omitted; the
// marker is always present so "" can carry the start-of-history sentinel.
func (r SyncRequest) Frame() tlv.Frame {
	f := tlv.Frame{
		tlv.NewInt(ReqTagAPIVersion, r.APIVersion),
		tlv.NewInt(ReqTagClientRevision, r.ClientRevision),
	}
	if r.Username != "" {
		f = append(f, tlv.NewText(ReqTagUsername, r.Username))
	}
	if r.Password != "" {
		f = append(f, tlv.NewText(ReqTagPassword, r.Password))
	}
	f = append(f, tlv.NewInt(ReqTagFlags, r.Flags))
	if r.DeviceID != uuid.Nil {
		f = append(f, tlv.NewRaw(ReqTagDeviceID, r.DeviceID[:]))
	}
	if r.Token != "" {
		f = append(f, tlv.NewText(ReqTagToken, r.Token))
	}
	f = append(f, tlv.NewText(ReqTagMarker, r.Marker))
	if len(r.Pointers) > 0 {
		f = append(f, encodePointers(ReqTagPointers, r.Pointers))
	}
	return f
}

// Encode serializes the request as a single SyncRequest envelope.
func (r SyncRequest) Encode() ([]byte, error) {
	return frame.Encode(schema.KindSyncRequest, r.Frame())
}

// AuthOnly reports whether the request is a login.
func (r SyncRequest) AuthOnly() bool {
	return r.Flags&RequestFlagAuthOnly != 0
}

// String never includes the password or token.
func (r SyncRequest) String() string {
	return fmt.Sprintf("SyncRequest{user=%q flags=%#x marker=%q device=%s}", r.Username, r.Flags, r.Marker, r.DeviceID)
}

// DecodeSyncRequest reads a request body. Unknown tags are ignored.
func DecodeSyncRequest(f tlv.Frame) (SyncRequest, error) {
	var r SyncRequest
	for _, field := range f {
		var ok bool
		switch field.Tag {
		case ReqTagAPIVersion:
			r.APIVersion, ok = intValue(field.Value)
		case ReqTagClientRevision:
			r.ClientRevision, ok = intValue(field.Value)
		case ReqTagUsername:
			r.Username, ok = textValue(field.Value)
		case ReqTagPassword:
			r.Password, ok = textValue(field.Value)
		case ReqTagFlags:
			r.Flags, ok = intValue(field.Value)
		case ReqTagDeviceID:
			var raw tlv.Raw
			if raw, ok = field.Value.(tlv.Raw); ok {
				id, err := uuid.FromBytes(raw)
				if err != nil {
					return SyncRequest{}, fmt.Errorf("session: device id: %w", err)
				}
				r.DeviceID = id
			}
		case ReqTagToken:
			r.Token, ok = textValue(field.Value)
		case ReqTagMarker:
			r.Marker, ok = textValue(field.Value)
		case ReqTagPointers:
			var err error
			r.Pointers, err = decodePointers(field.Value)
			if err != nil {
				return SyncRequest{}, err
			}
			ok = true
		default:
			ok = true
		}
		if !ok {
			return SyncRequest{}, fmt.Errorf("session: sync request tag %d has type %s", field.Tag, field.Value.Type())
		}
	}
	return r, nil
}

// SyncResult is the first packet of every response page.
type SyncResult struct {
	Status       Status
	ErrorMessage string
	ExtraMessage string
	MasterID     int64
	Flags        int64
	// ExpectedPackets is the number of record envelopes that follow, or -1
	// when the server did not say.
	ExpectedPackets int64
	Marker          string
	Token           string
	Pointers        map[string]string
}

func (r SyncResult) OK() bool { return r.Status == StatusOK }

func (r SyncResult) MoreData() bool {
	return r.Flags&ResultFlagMoreData != 0
}

func (r SyncResult) UpgradeAvailable() bool {
	return r.Flags&ResultFlagUpgradeAvailable != 0
}

// UpgradeAlert splits the extra message "alert|url" into its parts.
func (r SyncResult) UpgradeAlert() (alert, url string) {
	if r.ExtraMessage == "" {
		return "", ""
	}
	alert, url, _ = strings.Cut(r.ExtraMessage, "|")
	return alert, url
}

// StatusMessage is the server's error text, falling back to the status name.
func (r SyncResult) StatusMessage() string {
	if r.ErrorMessage != "" {
		return r.ErrorMessage
	}
	return r.Status.String()
}

// Frame builds the result body. Used by fake servers and tests.
func (r SyncResult) Frame() tlv.Frame {
	f := tlv.Frame{tlv.NewInt(ResTagStatus, int64(r.Status))}
	if r.ErrorMessage != "" {
		f = append(f, tlv.NewText(ResTagErrorMessage, r.ErrorMessage))
	}
	if r.ExtraMessage != "" {
		f = append(f, tlv.NewText(ResTagExtraMessage, r.ExtraMessage))
	}
	if r.MasterID != 0 {
		f = append(f, tlv.NewInt(ResTagMasterID, r.MasterID))
	}
	f = append(f, tlv.NewInt(ResTagFlags, r.Flags))
	if r.ExpectedPackets >= 0 {
		f = append(f, tlv.NewInt(ResTagExpectedPackets, r.ExpectedPackets))
	}
	f = append(f, tlv.NewText(ResTagMarker, r.Marker))
	if r.Token != "" {
		f = append(f, tlv.NewText(ResTagToken, r.Token))
	}
	if len(r.Pointers) > 0 {
		f = append(f, encodePointers(ResTagPointers, r.Pointers))
	}
	return f
}

// DecodeSyncResult reads a result body. The status is required.
func DecodeSyncResult(f tlv.Frame) (SyncResult, error) {
	r := SyncResult{ExpectedPackets: -1}
	haveStatus := false
	for _, field := range f {
		var ok bool
		switch field.Tag {
		case ResTagStatus:
			var v int64
			v, ok = intValue(field.Value)
			r.Status = Status(v)
			haveStatus = ok
		case ResTagErrorMessage:
			r.ErrorMessage, ok = textValue(field.Value)
		case ResTagExtraMessage:
			r.ExtraMessage, ok = textValue(field.Value)
		case ResTagMasterID:
			r.MasterID, ok = intValue(field.Value)
		case ResTagFlags:
			r.Flags, ok = intValue(field.Value)
		case ResTagExpectedPackets:
			r.ExpectedPackets, ok = intValue(field.Value)
			ok = ok && r.ExpectedPackets >= 0
		case ResTagMarker:
			r.Marker, ok = textValue(field.Value)
		case ResTagToken:
			r.Token, ok = textValue(field.Value)
		case ResTagPointers:
			var err error
			r.Pointers, err = decodePointers(field.Value)
			if err != nil {
				return SyncResult{}, err
			}
			ok = true
		default:
			ok = true
		}
		if !ok {
			return SyncResult{}, fmt.Errorf("session: sync result tag %d has bad value", field.Tag)
		}
	}
	if !haveStatus {
		return SyncResult{}, ErrMissingStatus
	}
	return r, nil
}

// Page is one decoded response: the leading SyncResult and the record
// envelopes that follow it, in wire order.
type Page struct {
	Result  SyncResult
	Records []frame.Envelope
}

// DecodePage validates and splits one response body. The whole body is
// framed before any record is returned, so a truncated response never
// yields a partial page.
func DecodePage(body []byte, limits frame.Limits) (Page, error) {
	r := frame.NewReader(body, limits)
	first, err := r.Next()
	if errors.Is(err, io.EOF) {
		return Page{}, &MalformedResponseError{Offset: 0, Err: ErrMissingResult}
	}
	if err != nil {
		return Page{}, err
	}
	if first.Kind != schema.KindSyncResult {
		return Page{}, &MalformedResponseError{Offset: first.Offset, Err: ErrMissingResult}
	}
	result, err := DecodeSyncResult(first.Body)
	if err != nil {
		return Page{}, &MalformedResponseError{Offset: first.Offset, Err: err}
	}
	var records []frame.Envelope
	for {
		env, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Page{}, err
		}
		if env.Kind == schema.KindSyncResult || env.Kind == schema.KindSyncRequest {
			return Page{}, &MalformedResponseError{
				Offset: env.Offset,
				Err:    fmt.Errorf("%w: %d after result", ErrUnexpectedKind, env.Kind),
			}
		}
		records = append(records, env)
	}
	if result.ExpectedPackets >= 0 && result.ExpectedPackets != int64(len(records)) {
		return Page{}, &MalformedResponseError{
			Offset: len(body),
			Err:    fmt.Errorf("%w: expected %d, got %d", ErrPacketCount, result.ExpectedPackets, len(records)),
		}
	}
	return Page{Result: result, Records: records}, nil
}

// EncodePage assembles a response body whose result announces exactly
// len(records) packets. Used by fake servers and tests.
func EncodePage(result SyncResult, records ...frame.Envelope) ([]byte, error) {
	result.ExpectedPackets = int64(len(records))
	out, err := frame.Encode(schema.KindSyncResult, result.Frame())
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		out, err = frame.Append(out, rec.Kind, rec.Body, frame.DefaultLimits())
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func intValue(v tlv.Value) (int64, bool) {
	iv, ok := v.(tlv.Int)
	return int64(iv), ok
}

func textValue(v tlv.Value) (string, bool) {
	tv, ok := v.(tlv.Text)
	return string(tv), ok
}

func encodePointers(tag uint16, m map[string]string) tlv.Field {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make(tlv.Frame, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, tlv.NewNested(1, tlv.Frame{
			tlv.NewText(schema.MapKeyTag, k),
			tlv.NewText(schema.MapValueTag, m[k]),
		}))
	}
	return tlv.NewNested(tag, entries)
}

func decodePointers(v tlv.Value) (map[string]string, error) {
	nested, ok := v.(tlv.Nested)
	if !ok {
		return nil, fmt.Errorf("session: sync pointers have type %s", v.Type())
	}
	out := make(map[string]string, len(nested))
	for _, entry := range nested {
		inner, ok := entry.Value.(tlv.Nested)
		if !ok {
			return nil, errors.New("session: sync pointer entry is not nested")
		}
		k, kok := tlv.Frame(inner).GetText(schema.MapKeyTag)
		val, vok := tlv.Frame(inner).GetText(schema.MapValueTag)
		if !kok || !vok {
			return nil, errors.New("session: sync pointer entry missing key or value")
		}
		out[k] = val
	}
	return out, nil
}
