// Package admission реализует адаптивный контроллер параллелизма (AIMD).
//
// Воркер берёт разрешение перед запуском задачи и возвращает его
// вместе с сигналом исхода:
//
//	permit, err := ctrl.Acquire(ctx)
//	if err != nil {
//	    return err
//	}
//	defer permit.Release(admission.SignalSuccess)
//
// Давление уменьшает лимит мультипликативно (не ниже Floor) и запускает
// cooldown. Серия из IncreaseAfter успехов вне cooldown увеличивает
// лимит на 1 (не выше Ceiling).
package admission
