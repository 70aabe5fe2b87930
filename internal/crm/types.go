// Package crm talks to the external meeting-record owner and the insight
// service that analyses finished transcripts.
package crm

import (
	"context"
	"time"
)

// MeetingFields describes a meeting record created lazily on first capture
type MeetingFields struct {
	Title    string
	ClientID string
	DealID   string
	DateTime time.Time
}

// MeetingStore creates meeting records and stores their transcripts
type MeetingStore interface {
	CreateMeeting(ctx context.Context, fields MeetingFields) (string, error)
	PersistTranscript(ctx context.Context, meetingID, transcript string) error
}

// Analyzer starts the downstream analysis job for a stored transcript
type Analyzer interface {
	TriggerAnalysis(ctx context.Context, meetingID, transcript string) error
}

// createMeetingRequest is the POST /meeting body
type createMeetingRequest struct {
	Title        string   `json:"title"`
	ClientID     string   `json:"clientId"`
	DealID       string   `json:"dealId,omitempty"`
	DateTime     string   `json:"dateTime"`
	Transcript   string   `json:"transcript"`
	Participants []string `json:"participants"`
}

type meetingRecord struct {
	ID string `json:"_id"`
}

type meetingEnvelope struct {
	Data meetingRecord `json:"data"`
}

type persistTranscriptRequest struct {
	Transcript string `json:"transcript"`
}

type analyzeRequest struct {
	MeetingID  string `json:"meetingId"`
	Transcript string `json:"transcript"`
}
