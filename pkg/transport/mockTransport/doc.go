// Package mockTransport — детерминированная реализация transport.Transport
// для тестов управляющего ядра.
//
// Мок не открывает сетевых соединений: все события генерируются локально и
// управляются ручками (knobs) на структурах MockTransport и MockSession.
// По умолчанию мок ведёт себя как исправный транспорт: Start приводит к
// ConnectedEvent, Register — к RegisteredEvent, Terminate сессии — к
// EndedEvent. Ручки Silent* и *Status переводят отдельные операции в режим
// "нет ответа" или "отказ" для проверки таймаутов и ошибочных путей.
//
// Все счётчики команд атомарны, объекты безопасны для конкурентного
// использования: веерные операции ядра (завершение конференции, общий mute)
// вызывают команды из нескольких горутин одновременно.
package mockTransport
