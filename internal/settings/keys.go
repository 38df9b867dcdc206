package settings

const (
	KeyIMAPServer         = "IMAP_SERVER"
	KeyIMAPUsername       = "IMAP_USERNAME"
	KeyIMAPPassword       = "IMAP_PASSWORD"
	KeyMailServer         = "MAIL_SERVER"
	KeyMailPort           = "MAIL_PORT"
	KeyMailUsername       = "MAIL_USERNAME"
	KeyMailPassword       = "MAIL_PASSWORD"
	KeyMailUseTLS         = "MAIL_USE_TLS"
	KeyMailUseSSL         = "MAIL_USE_SSL"
	KeyMailSender         = "MAIL_DEFAULT_SENDER"
	KeyMailSenderName     = "MAIL_SENDER_NAME"
	KeyMailReplyTo        = "MAIL_REPLY_TO"
	KeyBankEmailFrom      = "BANK_EMAIL_FROM"
	KeyBankEmailSubject   = "BANK_EMAIL_SUBJECT"
	KeyProcessedFolder    = "GMAIL_LABEL_FOLDER_PROCESSED"
	KeyNameThreshold      = "BANK_EMAIL_NAME_CONFIDANCE"
	KeyPaymentBotEnabled  = "ENABLE_EMAIL_PAYMENT_BOT"
	KeyPaymentBotInterval = "PAYMENT_BOT_INTERVAL_MINUTES"
	KeyCallBackDays       = "CALL_BACK_DAYS"
	KeyReminderInterval   = "REMINDER_INTERVAL_DAYS"
	KeyHyphenAsSpace      = "NAME_HYPHEN_AS_SPACE"
	KeyTelegramBotToken   = "TELEGRAM_BOT_TOKEN"

	defaultIMAPHost = "imap.gmail.com"
)
