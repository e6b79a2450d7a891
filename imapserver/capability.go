package imapserver

// capabilityString is the capability advertiser (spec component C7): a pure
// function of (tlsActive, submissionPort) — "submission port" doesn't apply
// to IMAP but the STARTTLS/TLS-active coupling is the same shape as the
// SMTP engine's EHLO advertiser, grounded on the teacher's serverCapabilities
// const in imapserver/server.go, cut down to the spec's fixed list.
func capabilityString(tlsActive bool) string {
	caps := "IMAP4rev1 AUTH=PLAIN AUTH=LOGIN IDLE MOVE UNSELECT UIDPLUS SPECIAL-USE NAMESPACE CHILDREN ID ENABLE LITERAL+"
	if !tlsActive {
		caps += " STARTTLS"
	}
	return caps
}
