// Package siptransport — боевая реализация транспортного интерфейса поверх
// SIP стека sipgo.
//
// Пакет закрывает собой весь сетевой слой: сокеты, разбор сообщений,
// транзакции и сигнальные диалоги. Управляющее ядро (pkg/softphone)
// взаимодействует с ним исключительно через интерфейсы пакета transport —
// команды синхронны по отправке, исходы приходят событиями.
//
// Состав:
//   - SIPTransport — стек sipgo (UserAgent + Server + Client), регистрация,
//     внедиалоговые запросы (MESSAGE, PUBLISH, SUBSCRIBE) и приём входящих
//     вызовов;
//   - sipSession — один сигнальный диалог: INVITE/ACK/BYE, re-INVITE для
//     удержания, REFER для перевода;
//   - mediaEndpoint — минимальная медиа-точка: UDP сокет с голосовыми
//     опциями, SDP offer/answer, RTP keepalive, DTMF по RFC 4733 и
//     опциональная DTLS обёртка.
//
// Для тестов ядра используется pkg/transport/mockTransport; этот пакет
// предназначен для работы с реальными SIP серверами.
package siptransport
