package redisx

import "time"

const (
	// Ответ на создание заказа: idem:order:create:{user_id}:{key} -> JSON ответа
	KeyIdemOrderCreate = "idem:order:create:%s:%s"
	// Захват ключа на время обработки: idem:lock:{user_id}:{key}
	KeyIdemLock = "idem:lock:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLIdemLock    = 30 * time.Second
)
