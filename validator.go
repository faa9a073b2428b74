package gotoc

// 为通过校验的写 key 生成新版本
type VersionGenerator interface {
	Next(key string, current EntryVersion, exists bool) EntryVersion
}

// 写偏斜校验. 只在全序投递顺序下执行，结果在每个节点上都一致
type VersionValidator interface {
	// 非 versioned 模式返回空 VersionMap. 冲突时返回 *ConflictError
	Validate(msg *PrepareMessage, generator VersionGenerator) (VersionMap, error)
}

// 版本单调 +1
type IncrementGenerator struct{}

func (IncrementGenerator) Next(_ string, current EntryVersion, exists bool) EntryVersion {
	if !exists {
		return 1
	}
	return current + 1
}

type writeSkewValidator struct {
	source VersionSource
}

func NewWriteSkewValidator(source VersionSource) VersionValidator {
	return &writeSkewValidator{source: source}
}

func (w *writeSkewValidator) Validate(msg *PrepareMessage, generator VersionGenerator) (VersionMap, error) {
	if !msg.Versioned {
		return VersionMap{}, nil
	}
	if generator == nil {
		generator = IncrementGenerator{}
	}

	// 按 key 有序校验，冲突时每个节点报告同一个 key
	for _, key := range msg.Keys {
		seen, ok := msg.VersionsSeen[key]
		if !ok {
			continue
		}
		current, exists := w.source.Version(key)
		if !exists {
			// 读到过的 key 已被删除
			if seen != 0 {
				return nil, &ConflictError{TxID: msg.TxID, Key: key, Seen: seen}
			}
			continue
		}
		if CompareVersions(current, seen) != 0 {
			return nil, &ConflictError{TxID: msg.TxID, Key: key, Seen: seen, Current: current, Existing: true}
		}
	}

	versions := make(VersionMap, len(msg.Keys))
	for _, key := range msg.Keys {
		current, exists := w.source.Version(key)
		versions[key] = generator.Next(key, current, exists)
	}
	return versions, nil
}
