package softphone

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator выдаёт уникальные идентификаторы.
//
// Генератор инжектируется в Directory и ConferenceOrchestrator при
// конструировании: боевой вариант строится на uuid, тесты подставляют
// детерминированный. Идентификатор вызова создаётся до обращения к
// транспорту, поэтому гонки между возвратом handle и первым событием
// сессии не влияют на адресацию.
type IDGenerator func() string

// NewUUIDGenerator возвращает генератор на основе случайных UUID
// с необязательным префиксом.
func NewUUIDGenerator(prefix string) IDGenerator {
	return func() string {
		return prefix + uuid.NewString()
	}
}

// NewSequentialGenerator возвращает детерминированный генератор вида
// prefix-1, prefix-2, ... для тестов.
func NewSequentialGenerator(prefix string) IDGenerator {
	var n atomic.Uint64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}

// LocalParticipantID — идентификатор собственного участника конференции.
const LocalParticipantID = "local"
