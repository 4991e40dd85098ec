package savequeue

// Outcome reports what submitting an operation did to the queue.
type Outcome int

const (
	Appended Outcome = iota
	Merged
	Annihilated
	Discarded
	Replaced
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Merged:
		return "merged"
	case Annihilated:
		return "annihilated"
	case Discarded:
		return "discarded"
	case Replaced:
		return "replaced"
	default:
		return "unknown"
	}
}

// resolve decides how incoming combines with an existing operation for the
// same entity key. Rule order matters: a queued delete is final.
func resolve(existing, incoming *Operation) Outcome {
	if existing.EntityType != incoming.EntityType {
		return Replaced
	}
	switch {
	case existing.Is(KindInsert) && incoming.Is(KindUpdate):
		return Merged
	case existing.Is(KindInsert) && incoming.Is(KindDelete):
		return Annihilated
	case existing.Is(KindUpdate) && incoming.Is(KindUpdate):
		return Merged
	case existing.Is(KindDelete):
		return Discarded
	default:
		return Replaced
	}
}

func mergeInto(target *Operation, source *Operation) {
	target.Data = mergeData(target.Data, source.Data)
	target.Timestamp = source.Timestamp
}

// mergeData shallow-merges keyed payloads with newer values winning. Any
// other shape is replaced wholesale by the newer payload, unless it is absent.
func mergeData(older, newer any) any {
	oldMap, oldOK := older.(map[string]any)
	newMap, newOK := newer.(map[string]any)
	if oldOK && newOK {
		merged := make(map[string]any, len(oldMap)+len(newMap))
		for k, v := range oldMap {
			merged[k] = v
		}
		for k, v := range newMap {
			merged[k] = v
		}
		return merged
	}
	if newer == nil {
		return older
	}
	return newer
}

// queue holds pending operations in execution order. It is not safe for
// concurrent use; Service serialises access.
type queue struct {
	ops []*Operation
}

func (q *queue) indexOf(key Key) int {
	for i, op := range q.ops {
		if op.Key() == key {
			return i
		}
	}
	return -1
}

func (q *queue) submit(op *Operation) Outcome {
	idx := q.indexOf(op.Key())
	if idx == -1 {
		q.ops = append(q.ops, op)
		return Appended
	}
	existing := q.ops[idx]
	outcome := resolve(existing, op)
	switch outcome {
	case Merged:
		mergeInto(existing, op)
	case Annihilated:
		q.removeAt(idx)
	case Replaced:
		q.removeAt(idx)
		q.ops = append(q.ops, op)
	}
	return outcome
}

// requeue puts a retried operation back at the head. An entry queued for the
// same key while the operation was in flight is folded in with the retried
// operation treated as the older one.
func (q *queue) requeue(op *Operation) Outcome {
	idx := q.indexOf(op.Key())
	if idx == -1 {
		q.pushFront(op)
		return Appended
	}
	newer := q.ops[idx]
	outcome := resolve(op, newer)
	switch outcome {
	case Merged:
		mergeInto(op, newer)
		q.removeAt(idx)
		q.pushFront(op)
	case Annihilated:
		q.removeAt(idx)
	case Discarded:
		q.removeAt(idx)
		q.pushFront(op)
	case Replaced:
		// the newer operation supersedes the retried one where it stands
	}
	return outcome
}

func (q *queue) pushFront(op *Operation) {
	q.ops = append([]*Operation{op}, q.ops...)
}

func (q *queue) pop() *Operation {
	if len(q.ops) == 0 {
		return nil
	}
	op := q.ops[0]
	q.ops[0] = nil
	q.ops = q.ops[1:]
	return op
}

func (q *queue) removeAt(i int) {
	copy(q.ops[i:], q.ops[i+1:])
	q.ops[len(q.ops)-1] = nil
	q.ops = q.ops[:len(q.ops)-1]
}

func (q *queue) clear() int {
	n := len(q.ops)
	q.ops = nil
	return n
}

func (q *queue) len() int {
	return len(q.ops)
}

func (q *queue) snapshot() []Operation {
	out := make([]Operation, 0, len(q.ops))
	for _, op := range q.ops {
		out = append(out, op.clone())
	}
	return out
}
