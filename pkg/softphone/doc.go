// Package softphone — управляющее ядро вызовов: слой оркестрации поверх
// сырого SIP транспорта.
//
// Ядро превращает низкоуровневые события транспорта (соединение, исходы
// регистрации, появление сессий) в управляемое состояние приложения:
//
//   - ConnectionSupervisor — жизненный цикл соединения
//   - RegistrationManager — жизненный цикл регистрации (single-flight)
//   - Directory + Call — реестр параллельных вызовов и автомат каждого
//   - ConferenceOrchestrator — многосторонние мосты из вызовов реестра
//   - PresenceManager — таблицы публикаций и подписок presence
//   - Phone — фасад, владеющий всем перечисленным и насосом событий
//
// Транспорт инжектируется интерфейсом pkg/transport.Transport: боевой —
// pkg/siptransport, тестовый — pkg/transport/mockTransport. События ядра
// публикуются в инжектированный EventSink; готовая реализация Bus даёт
// подписку по типу события.
//
// Минимальный сценарий:
//
//	bus := softphone.NewBus()
//	bus.On(softphone.EventCallActive, func(ev softphone.Event) {
//		log.Println("вызов активен")
//	})
//
//	cfg := softphone.DefaultConfig()
//	cfg.URI = "sip:alice@example.com"
//
//	phone, err := softphone.New(cfg, tr, bus)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := phone.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer phone.Stop()
//
//	if err := phone.Register(ctx); err != nil {
//		log.Fatal(err)
//	}
//	call, err := phone.Call("sip:bob@example.com", transport.CallOptions{})
//
// Модель конкурентности: глобальные события транспорта применяет одна
// горутина-насос, события каждой сессии — её собственный насос, поэтому
// события одного вызова применяются строго в порядке эмиссии. Операции
// приложения выполняются на горутинах вызывающей стороны и ограничены
// таймаутами конфигурации; каждый путь таймаута освобождает guard
// незавершённой операции через defer.
package softphone
