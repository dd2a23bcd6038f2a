// Package cli реализует инструмент командной строки Conveyor.
//
// # Обзор
//
// CLI — клиентская утилита для взаимодействия с Conveyor API.
// Работает через HTTP и websocket, не импортирует внутренние пакеты системы.
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для Conveyor API. Инкапсулирует запросы, парсинг ответов
// (DataResponse, ListResponse, ErrorResponse) и обработку ошибок.
// StreamEvents читает /api/v1/events через gorilla/websocket.
//
//	client := cli.NewClient("http://localhost:8080")
//	transforms, err := client.ListTransforms()
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json (для events — одна строка на событие)
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr:
//
//	conveyor pending list --status expired --json | jq .
//
// ## Commands
//
//   - transform: list, create, show, new-run, stats
//   - unit: add
//   - pending: list
//   - runs: list
//   - events
//
// Каждая группа создаётся фабричной функцией (NewTransformCmd и т.д.),
// принимающей clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
