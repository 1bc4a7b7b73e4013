package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func validRequest() JobRequest {
	return JobRequest{
		Action:      ActionRunCommand,
		Payload:     "uname -a",
		Targets:     []TargetProfile{{Alias: "a", Host: "10.0.0.1"}, {Alias: "b", Host: "10.0.0.2"}},
		Concurrency: 2,
		TimeoutMs:   5000,
		AuditPolicy: AuditSafe,
	}
}

func TestJobRequest_Validate(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		mutate   func(r *JobRequest)
		field    string
	}{
		{"valid", func(r *JobRequest) {}, ""},
		{"no targets", func(r *JobRequest) { r.Targets = nil }, "targets"},
		{"duplicate targets", func(r *JobRequest) { r.Targets[1].Alias = "a" }, "targets"},
		{"zero concurrency", func(r *JobRequest) { r.Concurrency = 0 }, "concurrency"},
		{"zero timeout", func(r *JobRequest) { r.TimeoutMs = 0 }, "timeout_ms"},
		{"negative timeout", func(r *JobRequest) { r.TimeoutMs = -1 }, "timeout_ms"},
		{"empty command", func(r *JobRequest) { r.Payload = "  " }, "payload"},
		{"empty service", func(r *JobRequest) { r.Action = ActionCheckService; r.Payload = "" }, "payload"},
		{"bad service name", func(r *JobRequest) { r.Action = ActionCheckService; r.Payload = "nginx; rm -rf /" }, "payload"},
		{"restart unconfirmed", func(r *JobRequest) { r.Action = ActionRestartService; r.Payload = "nginx" }, "confirm_disruptive"},
		{"full audit unacknowledged", func(r *JobRequest) { r.AuditPolicy = AuditFull }, "ack_full_audit"},
		{"unknown policy", func(r *JobRequest) { r.AuditPolicy = "verbose" }, "audit_policy"},
		{"unknown action", func(r *JobRequest) { r.Action = "reboot" }, "action"},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			r := validRequest()
			r.Targets = append([]TargetProfile(nil), r.Targets...)
			tt.mutate(&r)
			err := r.Validate()
			if tt.field == "" {
				require.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "expected ValidationError, got %v", err)
			fields := make([]string, 0, len(ve.Problems))
			for _, p := range ve.Problems {
				fields = append(fields, p.Field)
			}
			require.Contains(t, fields, tt.field)
		})
	}
}

func TestJobRequest_Validate_FullAuditAcknowledged(t *testing.T) {
	r := validRequest()
	r.AuditPolicy = AuditFull
	r.AckFullAudit = true
	require.NoError(t, r.Validate())

	// 检查服务不执行任意命令，不需要确认
	r = validRequest()
	r.Action = ActionCheckService
	r.Payload = "sshd.service"
	r.AuditPolicy = AuditFull
	require.NoError(t, r.Validate())

	r.Action = ActionRestartService
	r.ConfirmDisruptive = true
	require.Error(t, r.Validate())
	r.AckFullAudit = true
	require.NoError(t, r.Validate())
}

func TestCheckTransition(t *testing.T) {
	require.NoError(t, CheckTransition(StatusQueued, StatusRunning))
	require.NoError(t, CheckTransition(StatusQueued, StatusCanceled))
	require.NoError(t, CheckTransition(StatusRunning, StatusOK))
	require.NoError(t, CheckTransition(StatusRunning, StatusFail))

	require.Error(t, CheckTransition(StatusRunning, StatusCanceled))
	require.Error(t, CheckTransition(StatusQueued, StatusOK))
	require.Error(t, CheckTransition(StatusOK, StatusFail))
	require.Error(t, CheckTransition(StatusCanceled, StatusRunning))
}

func TestParseAuditPolicy(t *testing.T) {
	p, ok := ParseAuditPolicy("")
	require.True(t, ok)
	require.Equal(t, AuditSafe, p)
	p, ok = ParseAuditPolicy("FULL")
	require.True(t, ok)
	require.Equal(t, AuditFull, p)
	_, ok = ParseAuditPolicy("loud")
	require.False(t, ok)
}

func TestTargetProfile_Addr(t *testing.T) {
	require.Equal(t, "10.0.0.1:22", TargetProfile{Host: "10.0.0.1"}.Addr())
	require.Equal(t, "[::1]:2222", TargetProfile{Host: "::1", Port: 2222}.Addr())
	require.Equal(t, "7", TargetProfile{ID: 7}.TargetID())
}
