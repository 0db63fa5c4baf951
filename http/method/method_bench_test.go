package method

import "testing"

func BenchmarkParse(b *testing.B) {
	// extension methods are kept by name, so they fall through every comparison
	inputs := append([]string{"PROPFIND", "M-SEARCH"}, names[:]...)

	for _, name := range inputs {
		b.Run(name, func(b *testing.B) {
			b.SetBytes(int64(len(name)))
			b.ReportAllocs()

			var parsed Method
			for i := 0; i < b.N; i++ {
				if IsToken(name) {
					parsed = Parse(name)
				}
			}

			_ = parsed
		})
	}
}
