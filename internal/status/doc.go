// Package status публикует лёгкие события прогресса для внешних слушателей.
//
// Subject: status.{kind}.{owner}.{resource}.{transform}. Слушатель
// подписывается узко (одна трансформация) или широко (весь owner)
// через Filter, без фильтрации на сервере.
//
// Доставка best-effort: ошибка публикации логируется и событие
// отбрасывается, воркер не блокируется дольше таймаута.
package status
