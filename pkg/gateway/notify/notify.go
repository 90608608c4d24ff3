package notify

import (
	"context"

	"github.com/Abraxas-365/portero/pkg/kernel"
	"github.com/Abraxas-365/portero/pkg/logx"
	"github.com/Abraxas-365/portero/pkg/notifx"
)

// DirectoryFunc resolves a user id to their email address.
type DirectoryFunc func(ctx context.Context, userID kernel.UserID) (string, error)

// reauthTemplate is the email sent when an instance's grant dies.
const reauthTemplate = `
<h2>Action needed: reconnect {{.InstanceName}}</h2>
<p>Your connection "{{.InstanceName}}" stopped working because the provider
rejected its stored authorization. This usually happens after a password
change or when access is revoked on the provider side.</p>
<p>Open your dashboard and re-authorize the connection to get it working
again.</p>
`

// EmailReauthNotifier emails the owner when their instance needs to be
// re-authorized.
type EmailReauthNotifier struct {
	client    *notifx.Client
	directory DirectoryFunc
	from      string
}

func NewEmailReauthNotifier(client *notifx.Client, directory DirectoryFunc, from string) (*EmailReauthNotifier, error) {
	if err := client.RegisterTemplate("reauth_required", reauthTemplate); err != nil {
		return nil, err
	}
	return &EmailReauthNotifier{client: client, directory: directory, from: from}, nil
}

func (n *EmailReauthNotifier) NotifyReauthenticationRequired(ctx context.Context, userID kernel.UserID, instanceID kernel.InstanceID, instanceName string) {
	email, err := n.directory(ctx, userID)
	if err != nil {
		logx.WithError(err).WithField("user_id", userID.String()).
			Warn("cannot resolve user email for reauth notification")
		return
	}

	data := struct{ InstanceName string }{InstanceName: instanceName}
	msg := notifx.EmailMessage{
		From:    n.from,
		To:      []string{email},
		Subject: "Reconnect your integration",
	}
	if err := n.client.SendTemplatedEmail(ctx, "reauth_required", data, msg); err != nil {
		logx.WithError(err).WithField("instance_id", instanceID.String()).
			Warn("failed to send reauth notification")
	}
}

// LogReauthNotifier records the event in the structured log. Used when no
// email provider or user directory is configured.
type LogReauthNotifier struct{}

func NewLogReauthNotifier() *LogReauthNotifier {
	return &LogReauthNotifier{}
}

func (LogReauthNotifier) NotifyReauthenticationRequired(_ context.Context, userID kernel.UserID, instanceID kernel.InstanceID, instanceName string) {
	logx.WithFields(logx.Fields{
		"event":         "reauthentication_required",
		"user_id":       userID.String(),
		"instance_id":   instanceID.String(),
		"instance_name": instanceName,
	}).Warn("instance requires re-authorization")
}
