package transport

import "time"

// CallOptions — параметры инициации исходящей сессии.
type CallOptions struct {
	// ExtraHeaders — дополнительные заголовки запроса в форме "Name: value".
	ExtraHeaders []string
	// Anonymous скрывает идентичность вызывающего.
	Anonymous bool
}

// AnswerOptions — параметры приёма входящей сессии.
type AnswerOptions struct {
	ExtraHeaders []string
}

// TerminateOptions — параметры завершения сессии.
type TerminateOptions struct {
	// StatusCode — код отказа для неотвеченной входящей сессии
	// (0 — код по умолчанию на усмотрение транспорта).
	StatusCode int
	// Reason — текст причины для кода отказа.
	Reason       string
	ExtraHeaders []string
}

// DTMFOptions — параметры передачи DTMF.
type DTMFOptions struct {
	// Duration — длительность одного тона. 0 — значение транспорта
	// по умолчанию (100ms).
	Duration time.Duration
	// InterToneGap — пауза между тонами. 0 — значение по умолчанию (70ms).
	InterToneGap time.Duration
}

// RenegotiateOptions — параметры пересогласования медиа.
type RenegotiateOptions struct {
	// UseUpdate — использовать UPDATE вместо re-INVITE.
	UseUpdate    bool
	ExtraHeaders []string
}

// ReferOptions — параметры перевода вызова.
type ReferOptions struct {
	ExtraHeaders []string
}

// MessageOptions — параметры внедиалогового сообщения.
type MessageOptions struct {
	// ContentType тела сообщения, по умолчанию text/plain.
	ContentType  string
	ExtraHeaders []string
}

// RequestOptions — параметры произвольного внедиалогового запроса.
type RequestOptions struct {
	Body         string
	ContentType  string
	ExtraHeaders []string
	// OnResponse вызывается при получении финального ответа. Может не
	// вызваться вовсе, если ответа не будет: таймаут отслеживает
	// вызывающая сторона.
	OnResponse func(*Response)
}
