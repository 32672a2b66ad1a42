package dataset

import (
	"path"
	"strconv"
)

// Options are the processing options a client submits with a dataset.
type Options struct {
	Name            string // --dataset_name, "dataset" when empty
	OutputFormat    string // --output_format, "png" when empty
	ImageSize       [2]int // --image_size W H, omitted when zero
	AutoResize      bool
	TargetShortSide int // omitted when zero
	Padding         bool
}

// Args builds the worker command line. The worker reads the dataset from
// inputRoot/dataset and writes its results to outputRoot/jobID, both paths
// as seen from inside the worker.
func (o Options) Args(inputRoot, outputRoot, dataset, jobID string) []string {
	name := o.Name
	if name == "" {
		name = "dataset"
	}
	format := o.OutputFormat
	if format == "" {
		format = "png"
	}

	args := []string{
		path.Join(inputRoot, dataset),
		path.Join(outputRoot, jobID),
		"--dataset_name", name,
		"--output_format", format,
	}
	if o.ImageSize[0] > 0 && o.ImageSize[1] > 0 {
		args = append(args, "--image_size",
			strconv.Itoa(o.ImageSize[0]), strconv.Itoa(o.ImageSize[1]))
	}
	if o.AutoResize {
		args = append(args, "--auto_resize")
	}
	if o.TargetShortSide > 0 {
		args = append(args, "--target_short_side", strconv.Itoa(o.TargetShortSide))
	}
	if o.Padding {
		args = append(args, "--padding")
	}
	return args
}
