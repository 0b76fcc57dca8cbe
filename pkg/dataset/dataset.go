package dataset

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Split identifies one contiguous partition of the table.
type Split int

const (
	Train Split = iota
	Val
	Test
)

func (s Split) String() string {
	switch s {
	case Train:
		return "train"
	case Val:
		return "val"
	case Test:
		return "test"
	default:
		return fmt.Sprintf("split(%d)", int(s))
	}
}

// Dataset exposes sliding windows over the chronological splits of a table.
//
// Each split owns a contiguous run of rows. A window is seqLen consecutive
// rows starting at some offset inside the split; its label is the target
// column of the row immediately after the window. Both the window and the
// label row must fall inside the same split, so windows never straddle a
// split boundary and the target value is never visible in the inputs.
type Dataset struct {
	table     *Table
	seqLen    int
	targetCol int

	// ranges[s] = [lo, hi) row interval of split s in the table.
	ranges [3][2]int
}

// New partitions the table chronologically by the given ratios and prepares
// window bookkeeping. Ratios must be positive and sum to 1 within rounding.
// Row counts per split are floor(ratio*N) for train and val, with test
// taking the remainder, so no row is dropped or duplicated.
func New(table *Table, seqLen int, targetColumn string, trainRatio, valRatio, testRatio float64) (*Dataset, error) {
	if seqLen <= 0 {
		return nil, fmt.Errorf("dataset: seq_len must be positive, got %d", seqLen)
	}
	if trainRatio <= 0 || valRatio <= 0 || testRatio <= 0 {
		return nil, fmt.Errorf("dataset: split ratios must be positive, got %g/%g/%g",
			trainRatio, valRatio, testRatio)
	}
	if sum := trainRatio + valRatio + testRatio; sum < 0.999 || sum > 1.001 {
		return nil, fmt.Errorf("dataset: split ratios sum to %g, want 1", sum)
	}

	targetCol, err := table.ColumnIndex(targetColumn)
	if err != nil {
		return nil, err
	}

	n := table.Len()
	nTrain := int(float64(n) * trainRatio)
	nVal := int(float64(n) * valRatio)

	d := &Dataset{
		table:     table,
		seqLen:    seqLen,
		targetCol: targetCol,
	}
	d.ranges[Train] = [2]int{0, nTrain}
	d.ranges[Val] = [2]int{nTrain, nTrain + nVal}
	d.ranges[Test] = [2]int{nTrain + nVal, n}

	if d.Count(Train) == 0 {
		return nil, fmt.Errorf("%w: train split has %d rows, need more than seq_len=%d",
			ErrInsufficientRows, nTrain, seqLen)
	}
	return d, nil
}

// SeqLen returns the window length.
func (d *Dataset) SeqLen() int {
	return d.seqLen
}

// FeatureDim returns the number of columns per row.
func (d *Dataset) FeatureDim() int {
	return len(d.table.columns)
}

// Rows returns the number of rows a split owns.
func (d *Dataset) Rows(s Split) int {
	return d.ranges[s][1] - d.ranges[s][0]
}

// Count returns the number of windows a split yields. A split of L rows
// yields max(0, L-seqLen) windows: the last admissible start leaves room
// for the label row at start+seqLen.
func (d *Dataset) Count(s Split) int {
	n := d.Rows(s) - d.seqLen
	if n < 0 {
		return 0
	}
	return n
}

// Window materializes the k-th window of a split as a seqLen x featureDim
// matrix plus its label, the target column of the first row after the
// window. k is a split-local index in [0, Count(s)).
func (d *Dataset) Window(s Split, k int) (*mat.Dense, float64, error) {
	if k < 0 || k >= d.Count(s) {
		return nil, 0, fmt.Errorf("dataset: window %d out of range for %s split with %d windows",
			k, s, d.Count(s))
	}
	start := d.ranges[s][0] + k

	x := mat.NewDense(d.seqLen, d.FeatureDim(), nil)
	for i := 0; i < d.seqLen; i++ {
		x.SetRow(i, d.table.Row(start+i))
	}
	label := d.table.Row(start + d.seqLen)[d.targetCol]
	return x, label, nil
}
