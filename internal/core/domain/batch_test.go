package domain

import (
	"errors"
	"testing"
)

func newTestSession() *BatchSession {
	return NewBatchSession(&OpenBatchResponse{
		ReferenceNumber: "20250101-SB-ABC",
		UploadTargets: []PartUploadTarget{
			{Ordinal: 1, Method: "PUT", URL: "https://upload/1"},
			{Ordinal: 2, Method: "PUT", URL: "https://upload/2"},
		},
	}, []PartDescriptor{{Ordinal: 2}, {Ordinal: 1}, {Ordinal: 3}})
}

func TestNewBatchSession(t *testing.T) {
	s := newTestSession()

	if s.Status != BatchOpen {
		t.Errorf("Status = %s, want Open", s.Status)
	}
	if err := ValidateID(s.ID, BatchIDPrefix); err != nil {
		t.Errorf("ValidateID() error = %v", err)
	}
	if _, ok := s.UploadTarget(2); !ok {
		t.Error("UploadTarget(2) not found")
	}
	if _, ok := s.UploadTarget(3); ok {
		t.Error("UploadTarget(3) should not exist")
	}
}

func TestBatchSession_Transition(t *testing.T) {
	tests := []struct {
		name    string
		path    []BatchStatus
		wantErr bool
	}{
		{"Happy path", []BatchStatus{BatchPartsUploading, BatchClosing, BatchProcessing, BatchSucceeded}, false},
		{"Failure", []BatchStatus{BatchPartsUploading, BatchClosing, BatchProcessing, BatchFailed}, false},
		{"Close completes directly", []BatchStatus{BatchPartsUploading, BatchClosing, BatchSucceeded}, false},
		{"Same state", []BatchStatus{BatchOpen, BatchPartsUploading, BatchPartsUploading}, false},
		{"Skip close", []BatchStatus{BatchPartsUploading, BatchProcessing}, true},
		{"Leave terminal", []BatchStatus{BatchPartsUploading, BatchClosing, BatchFailed, BatchProcessing}, true},
		{"Back to open", []BatchStatus{BatchPartsUploading, BatchOpen}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession()
			var err error
			for _, next := range tt.path {
				if err = s.Transition(next); err != nil {
					break
				}
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("Transition() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("error = %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestBatchSession_PendingParts(t *testing.T) {
	s := newTestSession()
	s.MarkDelivered(2)

	pending := s.PendingParts()
	if len(pending) != 2 || pending[0].Ordinal != 1 || pending[1].Ordinal != 3 {
		t.Errorf("PendingParts() = %v", pending)
	}
	if s.AllDelivered() {
		t.Error("AllDelivered() = true")
	}

	s.MarkDelivered(1)
	s.MarkDelivered(3)
	if !s.AllDelivered() {
		t.Error("AllDelivered() = false")
	}
}

func TestBatchStatusFromCode(t *testing.T) {
	tests := []struct {
		code int
		want BatchStatus
	}{
		{100, BatchOpen},
		{150, BatchProcessing},
		{170, BatchProcessing},
		{200, BatchSucceeded},
		{405, BatchFailed},
		{445, BatchFailed},
	}

	for _, tt := range tests {
		if got := BatchStatusFromCode(tt.code); got != tt.want {
			t.Errorf("BatchStatusFromCode(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestBatchSession_ApplyStatus(t *testing.T) {
	s := newTestSession()
	_ = s.Transition(BatchPartsUploading)

	if err := s.ApplyStatus(&SessionStatus{Code: 150}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("ApplyStatus(processing) before close error = %v", err)
	}

	_ = s.Transition(BatchClosing)
	if err := s.ApplyStatus(&SessionStatus{Code: 150}); err != nil {
		t.Fatalf("ApplyStatus(150) error = %v", err)
	}
	if s.Status != BatchProcessing {
		t.Errorf("Status = %s, want Processing", s.Status)
	}

	st := &SessionStatus{Code: 200, InvoiceCount: 10, SuccessfulInvoiceCount: 10}
	if err := s.ApplyStatus(st); err != nil {
		t.Fatalf("ApplyStatus(200) error = %v", err)
	}
	if !s.Status.IsTerminal() || s.LastStatus != st {
		t.Errorf("Status = %s, LastStatus = %v", s.Status, s.LastStatus)
	}
}
