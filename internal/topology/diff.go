package topology

// Diff es la diferencia simétrica entre dos snapshots tag → URL.
// Un tag que cambió de URL aparece en ambos lados: el supervisor cierra el
// canal viejo y abre uno nuevo contra la URL nueva.
type Diff struct {
	Added   map[string]string
	Removed map[string]string
}

// Empty indica que no hubo cambios.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Compute calcula el diff entre el mapeo previo y el actual. Función pura:
// no toca los argumentos, siempre devuelve mapas no nil.
func Compute(prev, curr map[string]string) Diff {
	d := Diff{
		Added:   map[string]string{},
		Removed: map[string]string{},
	}
	for tag, url := range curr {
		old, ok := prev[tag]
		if !ok || old != url {
			d.Added[tag] = url
		}
	}
	for tag, url := range prev {
		now, ok := curr[tag]
		if !ok || now != url {
			d.Removed[tag] = url
		}
	}
	return d
}
