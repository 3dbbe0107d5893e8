package dsn

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"

	"github.com/crispmx/crispmx/framework/exterrors"
	"github.com/crispmx/crispmx/internal/queue"
)

func TestRecipientInfoFromStatus(t *testing.T) {
	info := RecipientInfoFromStatus("test@example.invalid", queue.PermFailure(
		"mx.example.invalid", queue.UnexpectedResponse{
			Command: "RCPT TO",
			Response: queue.Response{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
				Message:      "User unknown",
			},
		}))
	if info.Action != ActionFailed {
		t.Errorf("Wrong action: %v", info.Action)
	}
	if info.Status != (smtp.EnhancedCode{5, 1, 1}) {
		t.Errorf("Wrong status: %v", info.Status)
	}
	if info.RemoteMTA != "mx.example.invalid" {
		t.Errorf("Wrong remote MTA: %v", info.RemoteMTA)
	}
	smtpErr, ok := info.DiagnosticCode.(*smtp.SMTPError)
	if !ok {
		t.Fatalf("Expected a reply diagnostic, got %T", info.DiagnosticCode)
	}
	if smtpErr.Code != 550 || smtpErr.Message != "User unknown" {
		t.Errorf("Wrong diagnostic: %v", smtpErr)
	}

	info = RecipientInfoFromStatus("test@example.invalid", queue.TempFailure(
		"mx.example.invalid", queue.ConnectionError{Reason: "connection refused"}))
	if info.Action != ActionDelayed {
		t.Errorf("Wrong action: %v", info.Action)
	}
	if info.Status != (smtp.EnhancedCode{4, 0, 0}) {
		t.Errorf("Wrong status: %v", info.Status)
	}

	info = RecipientInfoFromStatus("test@example.invalid", queue.Completed(queue.HostResponse{
		Hostname: "mx.example.invalid",
		Response: queue.Response{Code: 250, Message: "OK"},
	}))
	if info.Action != ActionDelivered {
		t.Errorf("Wrong action: %v", info.Action)
	}
}

func TestGenerateDSN(t *testing.T) {
	failedHeader := textproto.Header{}
	failedHeader.Add("From", "test@example.com")
	failedHeader.Add("Subject", "Hi")

	mtaInfo := ReportingMTAInfo{
		ReportingMTA:    "mx.example.com",
		ReceivedFromMTA: "localhost",
		XSender:         "test@example.com",
		XMessageID:      "A1B2C3",
		ArrivalDate:     time.Unix(1500000000, 0),
		LastAttemptDate: time.Unix(1500001000, 0),
	}
	rcptInfo := RecipientInfoFromStatus("test@example.invalid", queue.PermFailure(
		"mx.example.invalid", queue.UnexpectedResponse{
			Command: "RCPT TO",
			Response: queue.Response{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
				Message:      "User unknown",
			},
		}))

	var body strings.Builder
	hdr, err := GenerateDSN(false, Envelope{
		MsgID: "<A1B2C3@mx.example.com>",
		From:  "MAILER-DAEMON@example.com",
		To:    "test@example.com",
	}, mtaInfo, []RecipientInfo{rcptInfo}, failedHeader, &body)
	if err != nil {
		t.Fatal(err)
	}

	if ct := hdr.Get("Content-Type"); !strings.Contains(ct, "multipart/report") {
		t.Errorf("Wrong Content-Type: %v", ct)
	}
	if hdr.Get("Auto-Submitted") != "auto-replied" {
		t.Errorf("Wrong Auto-Submitted: %v", hdr.Get("Auto-Submitted"))
	}

	rendered := body.String()
	for _, fragment := range []string{
		"Reporting-MTA: dns; mx.example.com",
		"Final-Recipient: rfc822; test@example.invalid",
		"Action: failed",
		"Status: 5.1.1",
		"Diagnostic-Code: smtp; 550 5.1.1 User unknown",
		"Remote-MTA: dns; mx.example.invalid",
		"message/delivery-status",
		"message/rfc822-headers",
		"This is the mail delivery system at mx.example.com.",
	} {
		if !strings.Contains(rendered, fragment) {
			t.Errorf("Missing fragment: %v", fragment)
		}
	}
}

func TestBounce(t *testing.T) {
	msg, err := queue.NewMessage("sender@example.com", "test@example.invalid", "other@example.invalid")
	if err != nil {
		t.Fatal(err)
	}
	msg.Header = textproto.Header{}
	msg.Header.Add("From", "sender@example.com")
	msg.Header.Add("Subject", "Hi")
	msg.Recipients[0].Status = queue.PermFailure("mx.example.invalid", queue.UnexpectedResponse{
		Command: "RCPT TO",
		Response: queue.Response{
			Code:         550,
			EnhancedCode: exterrors.EnhancedCode{5, 1, 1},
			Message:      "User unknown",
		},
	})

	report, err := Bounce("mx.example.com", msg, []int{0})
	if err != nil {
		t.Fatal(err)
	}

	if report.MailFrom != "" {
		t.Errorf("Report return path is not null: %q", report.MailFrom)
	}
	if len(report.Recipients) != 1 || report.Recipients[0].Address != "sender@example.com" {
		t.Fatalf("Wrong report recipients: %v", report.Recipients)
	}
	if ct := report.Header.Get("Content-Type"); !strings.Contains(ct, "multipart/report") {
		t.Errorf("Wrong Content-Type: %v", ct)
	}

	body, err := report.Body()
	if err != nil {
		t.Fatal(err)
	}
	defer body.Close()
	rendered := new(strings.Builder)
	if _, err := io.Copy(rendered, body); err != nil {
		t.Fatal(err)
	}
	if report.Size != int64(rendered.Len()) {
		t.Errorf("Size does not match the body: %d != %d", report.Size, rendered.Len())
	}
	for _, fragment := range []string{
		"Final-Recipient: rfc822; test@example.invalid",
		"Action: failed",
		"Subject: Hi",
	} {
		if !strings.Contains(rendered.String(), fragment) {
			t.Errorf("Missing fragment: %v", fragment)
		}
	}
	if strings.Contains(rendered.String(), "other@example.invalid") {
		t.Error("Recipient outside the bounced set reported")
	}

	// A failing report must never generate another report.
	if _, err := Bounce("mx.example.com", report, []int{0}); err == nil {
		t.Error("Bounce of a null return path message succeeded")
	}
}
