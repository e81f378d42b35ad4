package inbox

import "oss.nandlabs.io/dispatch/uuid"

func newID() (string, error) {
	id, err := uuid.V4()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func sanitize(table string) string {
	out := make([]byte, 0, len(table))
	for i := 0; i < len(table); i++ {
		c := table[i]
		if c == '.' {
			out = append(out, '_')
			continue
		}
		out = append(out, c)
	}
	return string(out)
}
