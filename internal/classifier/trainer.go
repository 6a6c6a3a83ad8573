package classifier

import (
	"context"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"intentspace/internal/encoder"
	"intentspace/internal/nnet"
)

// Train fits the embedding space on the given instances and loads the
// resulting intent table into the store. Fewer than two distinct intents
// leave the classifier untrained without an error; context cancellation
// is honored between epochs.
func (c *EmbeddingClassifier) Train(ctx context.Context, instances []Instance) error {
	labels, _ := intentDict(instances)
	if len(labels) < 2 {
		logrus.WithField("intents", len(labels)).Error(
			"at least 2 distinct intents are needed to train an intent classifier, skipping training")
		return nil
	}

	data, err := prepare(instances, c.opts)
	if err != nil {
		return err
	}

	numNeg := c.opts.NumNeg
	if m := data.numIntents() - 1; numNeg > m {
		numNeg = m
	}

	enc, err := encoder.New(c.opts.encoderConfig(data.X.Dim, data.intents.Dim, data.sequenceA), c.rnd)
	if err != nil {
		return err
	}
	c.enc = enc

	smp := newSampler(c.rnd, c.opts, data, numNeg)
	lp := lossParams{
		cosine:       c.cosine(),
		muPos:        c.opts.MuPos,
		muNeg:        c.opts.MuNeg,
		cEmb:         c.opts.CEmb,
		useMaxSimNeg: c.opts.UseMaxSimNeg,
	}
	adam := nnet.NewAdam()

	var evalIdx []int
	if c.opts.EvaluateOnNumExamples > 0 {
		k := c.opts.EvaluateOnNumExamples
		if k > len(instances) {
			k = len(instances)
		}
		evalIdx = c.rnd.Perm(len(instances))[:k]
	}

	epochs := c.opts.Epochs
	var lastLoss, lastAcc float64
	hasAcc := false
	for ep := 0; ep < epochs; ep++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		bs := batchSizeForEpoch(c.opts.BatchSize, ep, epochs)
		perm := c.rnd.Perm(len(instances))
		losses := make([]float64, 0, (len(perm)+bs-1)/bs)
		for start := 0; start < len(perm); start += bs {
			end := start + bs
			if end > len(perm) {
				end = len(perm)
			}
			l, err := c.trainBatch(data, perm[start:end], smp, lp, adam)
			if err != nil {
				return fmt.Errorf("epoch %d: %w", ep+1, err)
			}
			losses = append(losses, l)
		}
		lastLoss = stat.Mean(losses, nil)

		if c.shouldEvaluate(ep) {
			fields := logrus.Fields{"epoch": ep + 1, "epochs": epochs, "loss": lastLoss}
			if len(evalIdx) > 0 {
				lastAcc = c.evaluate(data, evalIdx)
				hasAcc = true
				fields["accuracy"] = lastAcc
			}
			logrus.WithFields(fields).Info("training the intent classifier")
		}
	}

	c.labels = data.labels
	c.encoded = data.encoded
	c.intentEmb = c.embedAllIntents(data)
	c.dimA = data.X.Dim
	c.dimB = data.intents.Dim
	c.sequenceA = data.sequenceA
	c.lastLoss = lastLoss
	c.lastAcc = lastAcc
	c.hasAcc = hasAcc
	c.trained = true

	if err := c.pushIntentTable(c.labels, c.intentEmb); err != nil {
		return err
	}

	fields := logrus.Fields{"intents": len(c.labels), "examples": len(instances), "loss": lastLoss}
	if hasAcc {
		fields["accuracy"] = lastAcc
	}
	logrus.WithFields(fields).Info("finished training the intent classifier")
	return nil
}

// batchSizeForEpoch interpolates the batch size linearly between the
// configured start and end values across the run, rounded up to an even
// number. A single configured value and single-epoch runs use the start
// value as is.
func batchSizeForEpoch(bounds []int, ep, epochs int) int {
	if len(bounds) == 1 || epochs <= 1 {
		return bounds[0]
	}
	bs := bounds[0] + ep*(bounds[1]-bounds[0])/(epochs-1)
	if bs%2 != 0 {
		bs++
	}
	return bs
}

func (c *EmbeddingClassifier) shouldEvaluate(ep int) bool {
	if ep == 0 || ep == c.opts.Epochs-1 {
		return true
	}
	return (ep+1)%c.opts.EvaluateEveryNumEpochs == 0
}

// candState tracks one distinct candidate intent within a batch: its
// embedding, the forward cache, and the gradient gathered across every
// example that sampled it.
type candState struct {
	vec   *mat.Dense
	cache *encoder.Cache
	grad  *mat.Dense
}

// trainBatch runs one forward/backward/update cycle over the examples at
// idx and returns the regularized batch loss. Each distinct candidate
// intent is embedded once; gradients from all its appearances are
// scatter-added before the single backward pass through its cache.
func (c *EmbeddingClassifier) trainBatch(data *trainingData, idx []int, smp *sampler, lp lossParams, adam *nnet.Adam) (float64, error) {
	batch := data.X.Select(idx)
	meanLen := batch.MeanLength()

	ids := make([]int, len(idx))
	for i, j := range idx {
		ids[i] = data.ids[j]
	}
	negs := smp.negatives(ids)

	params := c.enc.Params()
	params.ZeroGrads()

	cands := make(map[int]*candState)
	order := make([]int, 0, len(ids))
	embedCand := func(id int) *candState {
		st, ok := cands[id]
		if !ok {
			vec, cache := c.enc.Embed(encoder.SideB, c.rnd, data.intents.Seqs[id], 1, true)
			st = &candState{vec: vec, cache: cache, grad: mat.NewDense(1, c.opts.EmbedDim, nil)}
			cands[id] = st
			order = append(order, id)
		}
		return st
	}

	var total float64
	scale := 1 / float64(len(idx))
	for i := range idx {
		states := make([]*candState, 0, 1+len(negs[i]))
		states = append(states, embedCand(ids[i]))
		for _, id := range negs[i] {
			states = append(states, embedCand(id))
		}
		vecs := make([]*mat.Dense, len(states))
		for k, st := range states {
			vecs[k] = st.vec
		}

		aVec, aCache := c.enc.Embed(encoder.SideA, c.rnd, batch.Seqs[i], meanLen, true)
		l, dA, dCands := marginLoss(aVec, vecs, lp)
		total += l

		dA.Scale(scale, dA)
		c.enc.EmbedBackward(aCache, dA)
		for k, st := range states {
			addScaled(st.grad, scale, dCands[k])
		}
	}

	for _, id := range order {
		st := cands[id]
		c.enc.EmbedBackward(st.cache, st.grad)
	}

	loss := total*scale + params.L2Penalty(c.opts.C2)
	if math.IsNaN(loss) {
		return 0, fmt.Errorf("classifier: training loss is NaN")
	}
	params.AddL2Grads(c.opts.C2)
	adam.Step(params.All())
	return loss, nil
}

// evaluate measures the fraction of the held-out slice whose most
// similar intent, ranked against the full table in inference mode, is
// the true one.
func (c *EmbeddingClassifier) evaluate(data *trainingData, evalIdx []int) float64 {
	table := c.embedAllIntents(data)
	n, dim := table.Dims()
	rows := make([][]float64, n)
	for id := 0; id < n; id++ {
		rows[id] = make([]float64, dim)
		mat.Row(rows[id], id, table)
		if c.cosine() {
			unitInPlace(rows[id])
		}
	}

	hits := 0
	for _, j := range evalIdx {
		seq := data.X.Seqs[j]
		vec, _ := c.enc.Embed(encoder.SideA, nil, seq, seqMeanLen(seq), false)
		q := vec.RawRowView(0)
		if c.cosine() {
			q = append([]float64(nil), q...)
			unitInPlace(q)
		}

		best, bestSim := 0, math.Inf(-1)
		for id := 0; id < n; id++ {
			if s := floats.Dot(q, rows[id]); s > bestSim {
				best, bestSim = id, s
			}
		}
		if best == data.ids[j] {
			hits++
		}
	}
	return float64(hits) / float64(len(evalIdx))
}

// embedAllIntents runs the intent side of the encoder over the full
// table in inference mode, one row per intent id.
func (c *EmbeddingClassifier) embedAllIntents(data *trainingData) *mat.Dense {
	out := mat.NewDense(data.numIntents(), c.opts.EmbedDim, nil)
	for id := 0; id < data.numIntents(); id++ {
		vec, _ := c.enc.Embed(encoder.SideB, nil, data.intents.Seqs[id], 1, false)
		out.SetRow(id, vec.RawRowView(0))
	}
	return out
}

// pushIntentTable loads the embedded intents into the store, normalized
// to unit length in cosine mode so ranking reduces to dot products.
func (c *EmbeddingClassifier) pushIntentTable(labels []string, emb *mat.Dense) error {
	n, dim := emb.Dims()
	vectors := make([][]float64, n)
	for id := 0; id < n; id++ {
		row := make([]float64, dim)
		mat.Row(row, id, emb)
		if c.cosine() {
			unitInPlace(row)
		}
		vectors[id] = row
	}
	if err := c.store.Init(dim); err != nil {
		return fmt.Errorf("classifier: intent store: %w", err)
	}
	if err := c.store.Upsert(labels, vectors); err != nil {
		return fmt.Errorf("classifier: intent store: %w", err)
	}
	return nil
}
