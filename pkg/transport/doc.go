// Package transport определяет границу между управляющим ядром (pkg/softphone)
// и низкоуровневым SIP транспортом.
//
// Ядро потребляет транспорт исключительно через интерфейсы этого пакета:
//
//   - Transport — соединение, регистрация, инициация вызовов, произвольные
//     запросы (PUBLISH/SUBSCRIBE) и единый упорядоченный поток событий
//   - SessionHandle — команды и события одного сигнального диалога
//
// Все события транспорта — типизированные варианты с фиксированной формой
// полезной нагрузки (см. events.go). Проверка формы выполняется один раз на
// границе: потребитель вызывает Validate перед маршрутизацией и не делает
// ad hoc проверок внутри оркестрации.
//
// Реализации:
//
//   - pkg/siptransport — боевая реализация поверх sipgo
//   - pkg/transport/mockTransport — детерминированная реализация для тестов
//
// Контракт доставки событий: Transport.Events() возвращает один канал, события
// в котором отражают порядок возникновения; события конкретной сессии приходят
// в её собственный канал SessionHandle.Events() строго в порядке эмиссии.
// После терминального события (EndedEvent или FailedEvent) канал сессии
// закрывается.
package transport
