package smtp

// Reply codes used by the SMTP engine. Subset of RFC 5321/4954, grounded on
// the teacher's smtp/codes.go.
const (
	C220ServiceReady = 220
	C221Closing      = 221
	C235AuthSuccess  = 235

	C250Completed = 250

	C334ContinueAuth = 334
	C354Continue     = 354

	C421ServiceUnavail = 421
	C450MailboxUnavail = 450
	C451LocalErr       = 451
	C452StorageFull    = 452 // Also "too many recipients".

	C500BadSyntax        = 500
	C501BadParamSyntax   = 501
	C502CmdNotImpl       = 502
	C503BadCmdSeq        = 503
	C504BadAuthMech      = 504
	C530SecurityRequired = 530
	C535AuthBadCreds     = 535
	C550MailboxUnavail   = 550
	C552MessageTooLarge  = 552
	C554TransactionFail  = 554
)

// Enhanced status codes (RFC 3463), short form without leading class digit.
const (
	Se1UnknownMailbox  = "1.1"
	Se1BadMailboxSyn   = "1.3"
	SeOther0           = "0.0"
	SePol7Other0       = "7.0"
	SePol7AuthRequired = "7.0"
	SePol7RelayDenied  = "7.1"
	SePol7AuthCreds    = "7.8"
	SeAddr1BadDestMbox = "1.1"
	SeMsg3TooLarge     = "3.4"
	SeSys3NotAccepting = "3.0"
	SeParam5Syntax     = "5.4"
	SeMailbox5TooManyRcpts = "5.3"
)
