// Package grid implements deterministic placement for the shared canvas:
// the participant-count to grid-size table and the spiral ordering that maps
// join order onto coordinates around the center cell.
package grid

// Position is a cell coordinate relative to the grid center. (0, 0) is the
// center cell; +x grows rightward and +y downward.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// SizeFor returns the side length of the smallest odd square that holds n
// participants. The low end matches the deployed table (1, 3, 5, 7); larger
// counts continue the same rule.
func SizeFor(n int) int {
	if n <= 1 {
		return 1
	}
	size := 3
	for size*size < n {
		size += 2
	}
	return size
}

// SpiralPositions returns all size² positions of an odd-sided grid in spiral
// order: center first, then outward starting rightward, turning so the path
// winds clockwise on screen (where +y points down). The step length grows by
// one after every half turn, which traces complete concentric rings.
func SpiralPositions(size int) []Position {
	if size < 1 {
		return nil
	}
	half := size / 2
	positions := make([]Position, 0, size*size)
	positions = append(positions, Position{0, 0})

	x, y := 0, 0
	dx, dy := 1, 0
	steps, stepSize := 0, 1
	for len(positions) < size*size {
		x += dx
		y += dy
		if x >= -half && x <= half && y >= -half && y <= half {
			positions = append(positions, Position{x, y})
		}
		steps++
		if steps == stepSize {
			steps = 0
			dx, dy = -dy, dx
			if dy == 0 {
				stepSize++
			}
		}
	}
	return positions
}

// Rank returns the spiral index of pos within a grid of the given size, or
// -1 when pos lies outside the grid.
func Rank(pos Position, size int) int {
	for i, candidate := range SpiralPositions(size) {
		if candidate == pos {
			return i
		}
	}
	return -1
}

// Repack assigns the k-th id in ranked order to the k-th spiral slot of the
// target size. Callers pass ids sorted by their previous spiral rank so that
// survivors keep their relative order across a resize.
func Repack(ranked []string, size int) map[string]Position {
	positions := SpiralPositions(size)
	assigned := make(map[string]Position, len(ranked))
	for i, id := range ranked {
		if i >= len(positions) {
			break
		}
		assigned[id] = positions[i]
	}
	return assigned
}
